package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/trackhub/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	PairingsCollection      = "pairings"
	TrackersCollection      = "trackers"
	EventsCollection        = "events"
	TripsCollection         = "trips"
	SubscriptionsCollection = "subscriptions"
	VehiclesCollection      = "vehicles"
	UsersCollection         = "users"
	GeofencesCollection     = "geofences"
	OutboxCollectionName    = "notification_outbox"
)

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// NewMongoRepositories wires every collection of a database.
func NewMongoRepositories(database *mongo.Database) *Repositories {
	return &Repositories{
		Pairings:      &MongoPairingCollection{Collection: database.Collection(PairingsCollection)},
		Trackers:      &MongoTrackerCollection{Collection: database.Collection(TrackersCollection)},
		Telemetry:     &MongoTelemetryCollection{Collection: database.Collection(EventsCollection)},
		Trips:         &MongoTripCollection{Collection: database.Collection(TripsCollection)},
		Subscriptions: &MongoSubscriptionCollection{Collection: database.Collection(SubscriptionsCollection)},
		Vehicles:      &MongoVehicleCollection{Collection: database.Collection(VehiclesCollection)},
		Users:         &MongoUserCollection{Collection: database.Collection(UsersCollection)},
		Geofences:     &MongoGeofenceCollection{Collection: database.Collection(GeofencesCollection)},
	}
}

// EnsureIndexes creates the indexes the lookups rely on.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		TrackersCollection: {
			{Keys: bson.D{{Key: "imei", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		PairingsCollection: {
			{Keys: bson.D{{Key: "tracker_id", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "vehicle_id", Value: 1}}},
		},
		EventsCollection: {
			{Keys: bson.D{{Key: "pairing_id", Value: 1}, {Key: "date", Value: -1}}},
		},
		SubscriptionsCollection: {
			{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "begin_date", Value: -1}}},
		},
		GeofencesCollection: {
			{Keys: bson.D{{Key: "area", Value: "2dsphere"}}},
		},
	}
	for name, specs := range indexes {
		if _, err := database.Collection(name).Indexes().CreateMany(ctx, specs); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

func findOne(ctx context.Context, coll *mongo.Collection, filter interface{}, out interface{}, opts ...*options.FindOneOptions) error {
	if coll == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	err := coll.FindOne(ctx, filter, opts...).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func insertedID(res *mongo.InsertOneResult) primitive.ObjectID {
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		return id
	}
	return primitive.NilObjectID
}

// MongoPairingCollection implements PairingCollection for MongoDB.
type MongoPairingCollection struct {
	Collection *mongo.Collection
}

// FindPairingByID finds a pairing by its ID.
func (c *MongoPairingCollection) FindPairingByID(ctx context.Context, id primitive.ObjectID) (*models.Pairing, error) {
	var p models.Pairing
	if err := findOne(ctx, c.Collection, bson.M{"_id": id}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindHealthyPairingByTracker finds the current healthy pairing of a tracker.
func (c *MongoPairingCollection) FindHealthyPairingByTracker(ctx context.Context, trackerID primitive.ObjectID) (*models.Pairing, error) {
	var p models.Pairing
	filter := bson.M{"tracker_id": trackerID, "state": models.PairingHealthy}
	if err := findOne(ctx, c.Collection, filter, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindPairingsWithEvents returns healthy pairings that already recorded telemetry.
func (c *MongoPairingCollection) FindPairingsWithEvents(ctx context.Context) ([]models.Pairing, error) {
	return c.find(ctx, bson.M{"state": models.PairingHealthy, "events.0": bson.M{"$exists": true}})
}

// FindPairingsByVehicles returns the healthy pairings of a set of vehicles.
func (c *MongoPairingCollection) FindPairingsByVehicles(ctx context.Context, vehicleIDs []primitive.ObjectID) ([]models.Pairing, error) {
	return c.find(ctx, bson.M{"state": models.PairingHealthy, "vehicle_id": bson.M{"$in": vehicleIDs}})
}

// FindHealthyPairings returns every healthy pairing.
func (c *MongoPairingCollection) FindHealthyPairings(ctx context.Context) ([]models.Pairing, error) {
	return c.find(ctx, bson.M{"state": models.PairingHealthy})
}

func (c *MongoPairingCollection) find(ctx context.Context, filter interface{}) ([]models.Pairing, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	// events and trips grow with history; lookups never need them
	opts := options.Find().SetProjection(bson.M{"events": bson.M{"$slice": 1}, "trips": 0})
	cursor, err := c.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []models.Pairing
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MongoPairingCollection) update(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	result, err := c.Collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastStateDate records the last live exchange with the tracker.
func (c *MongoPairingCollection) UpdateLastStateDate(ctx context.Context, id primitive.ObjectID, date time.Time) error {
	return c.update(ctx, id, bson.M{"$set": bson.M{"last_state_date": date}})
}

// UpdatePairingState changes the lifecycle state of a pairing.
func (c *MongoPairingCollection) UpdatePairingState(ctx context.Context, id primitive.ObjectID, state models.PairingState) error {
	return c.update(ctx, id, bson.M{"$set": bson.M{"state": state}})
}

// UpdateFence stores the last computed fence value.
func (c *MongoPairingCollection) UpdateFence(ctx context.Context, id primitive.ObjectID, fence string) error {
	return c.update(ctx, id, bson.M{"$set": bson.M{"last_fence": fence}})
}

// AppendEvent adds an event reference to the pairing.
func (c *MongoPairingCollection) AppendEvent(ctx context.Context, id, eventID primitive.ObjectID) error {
	return c.update(ctx, id, bson.M{"$push": bson.M{"events": eventID}})
}

// AppendTrip adds a trip reference to the pairing.
func (c *MongoPairingCollection) AppendTrip(ctx context.Context, id, tripID primitive.ObjectID) error {
	return c.update(ctx, id, bson.M{"$push": bson.M{"trips": tripID}})
}

// MongoTrackerCollection implements TrackerCollection for MongoDB.
type MongoTrackerCollection struct {
	Collection *mongo.Collection
}

// FindTrackerByID finds a tracker by its ID.
func (c *MongoTrackerCollection) FindTrackerByID(ctx context.Context, id primitive.ObjectID) (*models.Tracker, error) {
	var t models.Tracker
	if err := findOne(ctx, c.Collection, bson.M{"_id": id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTrackerByIMEI finds a tracker by its IMEI.
func (c *MongoTrackerCollection) FindTrackerByIMEI(ctx context.Context, imei string) (*models.Tracker, error) {
	var t models.Tracker
	if err := findOne(ctx, c.Collection, bson.M{"imei": imei}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTrackerInfo stores the model and serial reported by the device.
func (c *MongoTrackerCollection) UpdateTrackerInfo(ctx context.Context, id primitive.ObjectID, model, serial string) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"model": model, "serial": serial}})
	return err
}

// MongoTelemetryCollection implements TelemetryCollection for MongoDB.
type MongoTelemetryCollection struct {
	Collection *mongo.Collection
}

// InsertEvent inserts a telemetry event into the collection.
func (c *MongoTelemetryCollection) InsertEvent(ctx context.Context, event *models.TelemetryEvent) (primitive.ObjectID, error) {
	if c.Collection == nil {
		return primitive.NilObjectID, fmt.Errorf("mongo collection is nil")
	}
	if event.ID.IsZero() {
		event.ID = primitive.NewObjectID()
	}
	res, err := c.Collection.InsertOne(ctx, event)
	if err != nil {
		return primitive.NilObjectID, err
	}
	return insertedID(res), nil
}

// FindLastEvent returns the most recent event of a pairing.
func (c *MongoTelemetryCollection) FindLastEvent(ctx context.Context, pairingID primitive.ObjectID) (*models.TelemetryEvent, error) {
	var e models.TelemetryEvent
	opts := options.FindOne().SetSort(bson.D{{Key: "date", Value: -1}})
	if err := findOne(ctx, c.Collection, bson.M{"pairing_id": pairingID}, &e, opts); err != nil {
		return nil, err
	}
	return &e, nil
}

// FindUnreadAlerts returns alerts of a pairing that were not acknowledged yet.
func (c *MongoTelemetryCollection) FindUnreadAlerts(ctx context.Context, pairingID primitive.ObjectID) ([]models.TelemetryEvent, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	filter := bson.M{"pairing_id": pairingID, "kind": models.EventAlert, "read": false}
	cursor, err := c.Collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []models.TelemetryEvent
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AckAlerts marks every alert of a pairing as read.
func (c *MongoTelemetryCollection) AckAlerts(ctx context.Context, pairingID primitive.ObjectID) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Collection.UpdateMany(ctx,
		bson.M{"pairing_id": pairingID, "kind": models.EventAlert, "read": false},
		bson.M{"$set": bson.M{"read": true}})
	return err
}

// UpdateLocationName caches a resolved address on an event.
func (c *MongoTelemetryCollection) UpdateLocationName(ctx context.Context, id primitive.ObjectID, name string) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"location_name": name}})
	return err
}

// MongoTripCollection implements TripCollection for MongoDB.
type MongoTripCollection struct {
	Collection *mongo.Collection
}

// InsertTrip inserts a trip record into the collection.
func (c *MongoTripCollection) InsertTrip(ctx context.Context, trip *models.Trip) (primitive.ObjectID, error) {
	if c.Collection == nil {
		return primitive.NilObjectID, fmt.Errorf("mongo collection is nil")
	}
	if trip.ID.IsZero() {
		trip.ID = primitive.NewObjectID()
	}
	trip.CreatedAt = time.Now()
	res, err := c.Collection.InsertOne(ctx, trip)
	if err != nil {
		return primitive.NilObjectID, err
	}
	return insertedID(res), nil
}

// MongoSubscriptionCollection implements SubscriptionCollection for MongoDB.
type MongoSubscriptionCollection struct {
	Collection *mongo.Collection
}

// FindActiveSubscription returns the subscription of a vehicle covering now.
func (c *MongoSubscriptionCollection) FindActiveSubscription(ctx context.Context, vehicleID primitive.ObjectID, now time.Time) (*models.Subscription, error) {
	filter := bson.M{
		"vehicle_id": vehicleID,
		"begin_date": bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"end_date": bson.M{"$exists": false}},
			bson.M{"end_date": nil},
			bson.M{"end_date": bson.M{"$gt": now}},
		},
	}
	var s models.Subscription
	opts := options.FindOne().SetSort(bson.D{{Key: "begin_date", Value: -1}})
	if err := findOne(ctx, c.Collection, filter, &s, opts); err != nil {
		return nil, err
	}
	return &s, nil
}

// MongoVehicleCollection implements VehicleCollection for MongoDB.
type MongoVehicleCollection struct {
	Collection *mongo.Collection
}

// FindVehicleByID finds a vehicle by its ID.
func (c *MongoVehicleCollection) FindVehicleByID(ctx context.Context, id primitive.ObjectID) (*models.Vehicle, error) {
	var v models.Vehicle
	if err := findOne(ctx, c.Collection, bson.M{"_id": id}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// FindVehiclesByCustomer lists the vehicles owned by a customer.
func (c *MongoVehicleCollection) FindVehiclesByCustomer(ctx context.Context, customerID primitive.ObjectID) ([]models.Vehicle, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	cursor, err := c.Collection.Find(ctx, bson.M{"customer_id": customerID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []models.Vehicle
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MongoUserCollection implements UserCollection for MongoDB
type MongoUserCollection struct {
	Collection *mongo.Collection
}

// FindUserByID finds a user by their ID
func (c *MongoUserCollection) FindUserByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	var user models.User
	if err := findOne(ctx, c.Collection, bson.M{"_id": id}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// MongoGeofenceCollection implements GeofenceCollection with a 2dsphere query.
type MongoGeofenceCollection struct {
	Collection *mongo.Collection
}

// Contains reports whether a location lies inside the geofence area.
func (c *MongoGeofenceCollection) Contains(ctx context.Context, geofenceID primitive.ObjectID, loc models.Location) (bool, error) {
	if c.Collection == nil {
		return false, fmt.Errorf("mongo collection is nil")
	}
	filter := bson.M{
		"_id": geofenceID,
		"area": bson.M{"$geoIntersects": bson.M{
			"$geometry": bson.M{"type": "Point", "coordinates": bson.A{loc.Lon, loc.Lat}},
		}},
	}
	n, err := c.Collection.CountDocuments(ctx, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MongoOutboxCollection implements OutboxCollection, so failed notifications
// survive restarts.
type MongoOutboxCollection struct {
	Collection *mongo.Collection
}

// PushOutbox stores an entry for a later retry.
func (c *MongoOutboxCollection) PushOutbox(ctx context.Context, entry models.OutboxEntry) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Collection.ReplaceOne(ctx, bson.M{"_id": entry.ID}, entry, options.Replace().SetUpsert(true))
	return err
}

// PopOutbox removes and returns the most recent entry, or nil when empty.
func (c *MongoOutboxCollection) PopOutbox(ctx context.Context) (*models.OutboxEntry, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	var entry models.OutboxEntry
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "created_at", Value: -1}})
	err := c.Collection.FindOneAndDelete(ctx, bson.M{}, opts).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
