package hub

import (
	"context"
	"fmt"

	"github.com/ukydev/trackhub/internal/models"
	"github.com/ukydev/trackhub/internal/session"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NewTrackers lists the devices that are registering.
func (h *Hub) NewTrackers(ctx context.Context) (interface{}, error) {
	infos := []session.TrackerInfo{}
	var firstErr error
	h.registry.Range(func(s *session.Session) bool {
		if !s.Registering() {
			return true
		}
		info, err := s.Info(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return true
		}
		infos = append(infos, info)
		return true
	})
	if len(infos) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return infos, nil
}

// PairingList returns the healthy pairings a user may follow: every one for
// users who see all pairings, otherwise those of the user's vehicles.
func (h *Hub) PairingList(ctx context.Context, userID string) ([]string, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	user, err := h.repos.Users.FindUserByID(ctx, oid)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}

	var pairings []models.Pairing
	if user.HasPermission("view_all_pairings") {
		pairings, err = h.repos.Pairings.FindHealthyPairings(ctx)
		if err != nil {
			return nil, fmt.Errorf("find pairings: %w", err)
		}
	} else {
		vehicles, err := h.repos.Vehicles.FindVehiclesByCustomer(ctx, oid)
		if err != nil {
			return nil, fmt.Errorf("find vehicles: %w", err)
		}
		ids := make([]primitive.ObjectID, len(vehicles))
		for i, v := range vehicles {
			ids[i] = v.ID
		}
		if len(ids) > 0 {
			pairings, err = h.repos.Pairings.FindPairingsByVehicles(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("find pairings: %w", err)
			}
		}
	}

	out := []string{}
	for _, p := range pairings {
		if p.State == models.PairingHealthy {
			out = append(out, p.ID.Hex())
		}
	}
	return out, nil
}

// PairingData returns the live view of a pairing.
func (h *Hub) PairingData(ctx context.Context, pairingID string) (interface{}, error) {
	s, _, err := h.sessionByPairingHex(pairingID)
	if err != nil {
		return nil, err
	}
	view, err := s.Data(ctx)
	if err != nil {
		return nil, err
	}
	return session.PairingData{ID: pairingID, Data: view}, nil
}
