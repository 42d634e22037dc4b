package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensegate/internal/license"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	mongoLicenses    = "licenses"
	mongoActivations = "activations"
)

type mongoLicense struct {
	ID          string    `bson:"_id"`
	Key         string    `bson:"license_key"`
	Plan        string    `bson:"plan"`
	MaxAccounts int       `bson:"max_accounts"`
	ExpiresAt   time.Time `bson:"expires_at"`
	Active      bool      `bson:"active"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (m mongoLicense) toLicense() license.License {
	return license.License{
		ID:          m.ID,
		Key:         m.Key,
		Plan:        license.Plan(m.Plan),
		MaxAccounts: m.MaxAccounts,
		ExpiresAt:   m.ExpiresAt.UTC(),
		Active:      m.Active,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

type mongoActivation struct {
	ID            string    `bson:"_id"`
	LicenseID     string    `bson:"license_id"`
	Account       int64     `bson:"account"`
	Server        string    `bson:"server"`
	LastValidated time.Time `bson:"last_validated"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (m mongoActivation) toActivation() license.Activation {
	return license.Activation{
		ID:            m.ID,
		LicenseID:     m.LicenseID,
		Account:       m.Account,
		Server:        m.Server,
		LastValidated: m.LastValidated.UTC(),
		CreatedAt:     m.CreatedAt.UTC(),
	}
}

// MongoStore implements Store on two collections. It does not implement
// AtomicActivator: the activation cap is best-effort, while the unique
// index on (license_id, account, server) still rejects duplicate slots.
type MongoStore struct {
	client      *mongo.Client
	licenses    *mongo.Collection
	activations *mongo.Collection
}

// MongoOptions configures OpenMongo.
type MongoOptions struct {
	Database string
	// Password, when set, overrides the credential in the URI.
	Password string
}

func OpenMongo(ctx context.Context, uri string, opts MongoOptions) (*MongoStore, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if opts.Password != "" {
		cred := options.Credential{Password: opts.Password, PasswordSet: true}
		if clientOpts.Auth != nil {
			cred.Username = clientOpts.Auth.Username
			cred.AuthSource = clientOpts.Auth.AuthSource
			cred.AuthMechanism = clientOpts.Auth.AuthMechanism
		}
		clientOpts.SetAuth(cred)
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongoStore(client, opts.Database), nil
}

// NewMongoStore uses database db of an already connected client. Close
// disconnects the client.
func NewMongoStore(client *mongo.Client, db string) *MongoStore {
	database := client.Database(db)
	return &MongoStore{
		client:      client,
		licenses:    database.Collection(mongoLicenses),
		activations: database.Collection(mongoActivations),
	}
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "license_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create license indexes: %w", err)
	}
	_, err = s.activations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "license_id", Value: 1},
			{Key: "account", Value: 1},
			{Key: "server", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create activation indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateLicense(ctx context.Context, lic license.License) (license.License, error) {
	doc := mongoLicense{
		ID:          uuid.NewString(),
		Key:         lic.Key,
		Plan:        string(lic.Plan),
		MaxAccounts: lic.MaxAccounts,
		ExpiresAt:   lic.ExpiresAt.UTC(),
		Active:      lic.Active,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.licenses.InsertOne(ctx, doc); err != nil {
		return license.License{}, fmt.Errorf("insert license: %w", translateMongoError(err))
	}
	return doc.toLicense(), nil
}

func (s *MongoStore) GetLicense(ctx context.Context, key string) (license.License, error) {
	var doc mongoLicense
	if err := s.licenses.FindOne(ctx, bson.M{"license_key": key}).Decode(&doc); err != nil {
		return license.License{}, fmt.Errorf("get license: %w", translateMongoError(err))
	}
	return doc.toLicense(), nil
}

func (s *MongoStore) ListLicenses(ctx context.Context) ([]license.License, error) {
	cursor, err := s.licenses.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	var docs []mongoLicense
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode licenses: %w", err)
	}

	cursor, err = s.activations.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "last_validated", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	var acts []mongoActivation
	if err := cursor.All(ctx, &acts); err != nil {
		return nil, fmt.Errorf("decode activations: %w", err)
	}
	byLicense := make(map[string][]license.Activation)
	for _, a := range acts {
		byLicense[a.LicenseID] = append(byLicense[a.LicenseID], a.toActivation())
	}

	out := make([]license.License, 0, len(docs))
	for _, d := range docs {
		lic := d.toLicense()
		lic.Activations = byLicense[lic.ID]
		if lic.Activations == nil {
			lic.Activations = make([]license.Activation, 0)
		}
		out = append(out, lic)
	}
	return out, nil
}

func (s *MongoStore) SetActive(ctx context.Context, key string, active bool) error {
	res, err := s.licenses.UpdateOne(ctx, bson.M{"license_key": key}, bson.M{"$set": bson.M{"active": active}})
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListActivations(ctx context.Context, licenseID string) ([]license.Activation, error) {
	cursor, err := s.activations.Find(ctx, bson.M{"license_id": licenseID},
		options.Find().SetSort(bson.D{{Key: "last_validated", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	var docs []mongoActivation
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode activations: %w", err)
	}
	acts := make([]license.Activation, 0, len(docs))
	for _, d := range docs {
		acts = append(acts, d.toActivation())
	}
	return acts, nil
}

func (s *MongoStore) CountActivations(ctx context.Context, licenseID string) (int, error) {
	n, err := s.activations.CountDocuments(ctx, bson.M{"license_id": licenseID})
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return int(n), nil
}

func (s *MongoStore) FindActivation(ctx context.Context, licenseID string, id license.Identity) (license.Activation, error) {
	var doc mongoActivation
	err := s.activations.FindOne(ctx, identityFilter(licenseID, id)).Decode(&doc)
	if err != nil {
		return license.Activation{}, fmt.Errorf("find activation: %w", translateMongoError(err))
	}
	return doc.toActivation(), nil
}

func (s *MongoStore) InsertActivation(ctx context.Context, licenseID string, id license.Identity, now time.Time) (license.Activation, error) {
	now = now.UTC()
	doc := mongoActivation{
		ID:            uuid.NewString(),
		LicenseID:     licenseID,
		Account:       id.Account,
		Server:        id.Server,
		LastValidated: now,
		CreatedAt:     now,
	}
	if _, err := s.activations.InsertOne(ctx, doc); err != nil {
		return license.Activation{}, fmt.Errorf("insert activation: %w", translateMongoError(err))
	}
	return doc.toActivation(), nil
}

func (s *MongoStore) TouchActivation(ctx context.Context, act license.Activation, now time.Time) error {
	res, err := s.activations.UpdateOne(ctx,
		bson.M{"_id": act.ID},
		bson.M{"$set": bson.M{"last_validated": now.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("touch activation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteActivation(ctx context.Context, licenseID string, id license.Identity) (int, error) {
	res, err := s.activations.DeleteOne(ctx, identityFilter(licenseID, id))
	if err != nil {
		return 0, fmt.Errorf("delete activation: %w", err)
	}
	return int(res.DeletedCount), nil
}

func identityFilter(licenseID string, id license.Identity) bson.M {
	return bson.M{"license_id": licenseID, "account": id.Account, "server": id.Server}
}

func translateMongoError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
