package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// Mongo collection names.
const (
	CollectionPersistedGrants = "persisted_grants"
	CollectionDeviceCodes     = "device_codes"
)

type grantDocument struct {
	Key          string     `bson:"_id"`
	Type         string     `bson:"type"`
	SubjectID    string     `bson:"subject_id,omitempty"`
	SessionID    string     `bson:"session_id,omitempty"`
	ClientID     string     `bson:"client_id"`
	Description  string     `bson:"description,omitempty"`
	CreationTime time.Time  `bson:"creation_time"`
	Expiration   *time.Time `bson:"expiration,omitempty"`
	ConsumedTime *time.Time `bson:"consumed_time,omitempty"`
	Data         string     `bson:"data"`
}

type deviceDocument struct {
	DeviceCode   string    `bson:"_id"`
	UserCode     string    `bson:"user_code"`
	ClientID     string    `bson:"client_id"`
	SubjectID    string    `bson:"subject_id,omitempty"`
	SessionID    string    `bson:"session_id,omitempty"`
	Description  string    `bson:"description,omitempty"`
	CreationTime time.Time `bson:"creation_time"`
	Expiration   time.Time `bson:"expiration"`
	Data         string    `bson:"data"`
}

// OpenMongo connects to uri and verifies the primary is reachable.
func OpenMongo(ctx context.Context, uri, database string) (*mongo.Database, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongo")
	}
	return client.Database(database), nil
}

// MongoGrantStore implements the persisted grant store on a mongo
// collection. The grant key is the document id.
type MongoGrantStore struct {
	db *mongo.Database
}

// NewMongoGrantStore builds the store. Call Configure once to create indexes.
func NewMongoGrantStore(db *mongo.Database) *MongoGrantStore {
	return &MongoGrantStore{db: db}
}

func (s *MongoGrantStore) coll() *mongo.Collection {
	return s.db.Collection(CollectionPersistedGrants)
}

func (s *MongoGrantStore) log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":    "storage",
		"collection": CollectionPersistedGrants,
		"method":     method,
	})
}

// Configure creates the lookup indexes used by filters and the sweeper.
func (s *MongoGrantStore) Configure(ctx context.Context) error {
	indices := []mongo.IndexModel{
		{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "session_id", Value: 1}, {Key: "type", Value: 1}}},
		{Keys: bson.D{{Key: "client_id", Value: 1}}},
		{Keys: bson.D{{Key: "expiration", Value: 1}}},
		{Keys: bson.D{{Key: "consumed_time", Value: 1}}},
	}
	if _, err := s.coll().Indexes().CreateMany(ctx, indices); err != nil {
		s.log("Configure").WithError(err).Error("failed to create indexes")
		return errors.Wrap(err, "create grant indexes")
	}
	return nil
}

// Store inserts or replaces grant.
func (s *MongoGrantStore) Store(ctx context.Context, grant oauth.PersistedGrant) error {
	doc := toGrantDocument(grant)
	_, err := s.coll().ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		s.log("Store").WithError(err).Error("failed to store grant")
		return errors.Wrap(err, "store grant")
	}
	return nil
}

// Get returns the grant stored under key.
func (s *MongoGrantStore) Get(ctx context.Context, key string) (*oauth.PersistedGrant, error) {
	var doc grantDocument
	err := s.coll().FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		s.log("Get").WithError(err).Error("failed to load grant")
		return nil, errors.Wrap(err, "get grant")
	}
	grant := fromGrantDocument(doc)
	return &grant, nil
}

// GetAll returns grants matching filter.
func (s *MongoGrantStore) GetAll(ctx context.Context, filter oauth.GrantFilter) ([]oauth.PersistedGrant, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.find(ctx, grantQuery(filter), nil, 0)
}

// Remove deletes the grant stored under key.
func (s *MongoGrantStore) Remove(ctx context.Context, key string) error {
	if _, err := s.coll().DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return errors.Wrap(err, "remove grant")
	}
	return nil
}

// RemoveAll deletes grants matching filter.
func (s *MongoGrantStore) RemoveAll(ctx context.Context, filter oauth.GrantFilter) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	if _, err := s.coll().DeleteMany(ctx, grantQuery(filter)); err != nil {
		return errors.Wrap(err, "remove grants")
	}
	return nil
}

// Consume sets consumed_time when it is still unset. The filter on
// consumed_time makes the update conditional so only one caller wins.
func (s *MongoGrantStore) Consume(ctx context.Context, key string, at time.Time) error {
	res, err := s.coll().UpdateOne(ctx,
		bson.M{"_id": key, "consumed_time": nil},
		bson.M{"$set": bson.M{"consumed_time": at.UTC()}})
	if err != nil {
		return errors.Wrap(err, "consume grant")
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.coll().CountDocuments(ctx, bson.M{"_id": key})
	if err != nil {
		return errors.Wrap(err, "consume grant")
	}
	if n == 0 {
		return oauth.ErrNotFound
	}
	return errors.Wrapf(oauth.ErrConflict, "grant %s already consumed", key)
}

// ExpiredGrants returns up to limit grants that expired before before.
func (s *MongoGrantStore) ExpiredGrants(ctx context.Context, before time.Time, limit int) ([]oauth.PersistedGrant, error) {
	return s.find(ctx, bson.M{"expiration": bson.M{"$lt": before.UTC()}}, bson.D{{Key: "expiration", Value: 1}}, limit)
}

// ConsumedGrants returns up to limit grants consumed before before.
func (s *MongoGrantStore) ConsumedGrants(ctx context.Context, before time.Time, limit int) ([]oauth.PersistedGrant, error) {
	return s.find(ctx, bson.M{"consumed_time": bson.M{"$lt": before.UTC()}}, bson.D{{Key: "consumed_time", Value: 1}}, limit)
}

// RemoveGrants deletes keys, reporting oauth.ErrConflict when some were
// already gone.
func (s *MongoGrantStore) RemoveGrants(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := s.coll().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return 0, errors.Wrap(err, "remove grants")
	}
	removed := int(res.DeletedCount)
	if removed < len(keys) {
		return removed, errors.Wrapf(oauth.ErrConflict, "removed %d of %d grants", removed, len(keys))
	}
	return removed, nil
}

func (s *MongoGrantStore) find(ctx context.Context, query bson.M, sort bson.D, limit int) ([]oauth.PersistedGrant, error) {
	opts := options.Find()
	if sort != nil {
		opts.SetSort(sort)
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll().Find(ctx, query, opts)
	if err != nil {
		return nil, errors.Wrap(err, "query grants")
	}
	var docs []grantDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode grants")
	}
	out := make([]oauth.PersistedGrant, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromGrantDocument(d))
	}
	return out, nil
}

func grantQuery(filter oauth.GrantFilter) bson.M {
	query := bson.M{}
	if filter.SubjectID != "" {
		query["subject_id"] = filter.SubjectID
	}
	if filter.SessionID != "" {
		query["session_id"] = filter.SessionID
	}
	if ids := filter.AllClientIDs(); len(ids) > 0 {
		query["client_id"] = bson.M{"$in": ids}
	}
	if types := filter.AllTypes(); len(types) > 0 {
		query["type"] = bson.M{"$in": types}
	}
	return query
}

func toGrantDocument(g oauth.PersistedGrant) grantDocument {
	return grantDocument{
		Key:          g.Key,
		Type:         g.Type,
		SubjectID:    g.SubjectID,
		SessionID:    g.SessionID,
		ClientID:     g.ClientID,
		Description:  g.Description,
		CreationTime: g.CreationTime.UTC(),
		Expiration:   utcPtr(g.Expiration),
		ConsumedTime: utcPtr(g.ConsumedTime),
		Data:         g.Data,
	}
}

func fromGrantDocument(d grantDocument) oauth.PersistedGrant {
	return oauth.PersistedGrant{
		Key:          d.Key,
		Type:         d.Type,
		SubjectID:    d.SubjectID,
		SessionID:    d.SessionID,
		ClientID:     d.ClientID,
		Description:  d.Description,
		CreationTime: d.CreationTime,
		Expiration:   d.Expiration,
		ConsumedTime: d.ConsumedTime,
		Data:         d.Data,
	}
}

// MongoDeviceFlowStore keeps device authorizations in their own collection.
type MongoDeviceFlowStore struct {
	db *mongo.Database
}

// NewMongoDeviceFlowStore builds the store. Call Configure once to create
// the unique user code index.
func NewMongoDeviceFlowStore(db *mongo.Database) *MongoDeviceFlowStore {
	return &MongoDeviceFlowStore{db: db}
}

func (s *MongoDeviceFlowStore) coll() *mongo.Collection {
	return s.db.Collection(CollectionDeviceCodes)
}

// Configure creates indexes.
func (s *MongoDeviceFlowStore) Configure(ctx context.Context) error {
	indices := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_code", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expiration", Value: 1}}},
	}
	if _, err := s.coll().Indexes().CreateMany(ctx, indices); err != nil {
		return errors.Wrap(err, "create device code indexes")
	}
	return nil
}

// StoreDeviceAuthorization inserts rec. A duplicate user code returns
// oauth.ErrAlreadyExists.
func (s *MongoDeviceFlowStore) StoreDeviceAuthorization(ctx context.Context, rec oauth.DeviceFlowRecord) error {
	_, err := s.coll().InsertOne(ctx, toDeviceDocument(rec))
	if mongo.IsDuplicateKeyError(err) {
		return oauth.ErrAlreadyExists
	}
	if err != nil {
		return errors.Wrap(err, "store device code")
	}
	return nil
}

// FindByUserCode loads an authorization by user code.
func (s *MongoDeviceFlowStore) FindByUserCode(ctx context.Context, userCode string) (*oauth.DeviceFlowRecord, error) {
	return s.findOne(ctx, bson.M{"user_code": userCode})
}

// FindByDeviceCode loads an authorization by hashed device code.
func (s *MongoDeviceFlowStore) FindByDeviceCode(ctx context.Context, deviceCode string) (*oauth.DeviceFlowRecord, error) {
	return s.findOne(ctx, bson.M{"_id": deviceCode})
}

func (s *MongoDeviceFlowStore) findOne(ctx context.Context, query bson.M) (*oauth.DeviceFlowRecord, error) {
	var doc deviceDocument
	err := s.coll().FindOne(ctx, query).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find device code")
	}
	rec := fromDeviceDocument(doc)
	return &rec, nil
}

// UpdateByUserCode stores the approval or denial outcome.
func (s *MongoDeviceFlowStore) UpdateByUserCode(ctx context.Context, rec oauth.DeviceFlowRecord) error {
	res, err := s.coll().UpdateOne(ctx,
		bson.M{"user_code": rec.UserCode},
		bson.M{"$set": bson.M{
			"subject_id": rec.SubjectID,
			"session_id": rec.SessionID,
			"data":       rec.Data,
		}})
	if err != nil {
		return errors.Wrap(err, "update device code")
	}
	if res.MatchedCount == 0 {
		return oauth.ErrNotFound
	}
	return nil
}

// RemoveByDeviceCode deletes an authorization. oauth.ErrNotFound means
// another caller removed it first.
func (s *MongoDeviceFlowStore) RemoveByDeviceCode(ctx context.Context, deviceCode string) error {
	res, err := s.coll().DeleteOne(ctx, bson.M{"_id": deviceCode})
	if err != nil {
		return errors.Wrap(err, "remove device code")
	}
	if res.DeletedCount == 0 {
		return oauth.ErrNotFound
	}
	return nil
}

// ExpiredDeviceCodes returns up to limit expired authorizations, oldest first.
func (s *MongoDeviceFlowStore) ExpiredDeviceCodes(ctx context.Context, before time.Time, limit int) ([]oauth.DeviceFlowRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "expiration", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.coll().Find(ctx, bson.M{"expiration": bson.M{"$lt": before.UTC()}}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "query expired device codes")
	}
	var docs []deviceDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode device codes")
	}
	out := make([]oauth.DeviceFlowRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDeviceDocument(d))
	}
	return out, nil
}

// RemoveDeviceCodes deletes device codes, reporting oauth.ErrConflict when
// some were already gone.
func (s *MongoDeviceFlowStore) RemoveDeviceCodes(ctx context.Context, deviceCodes []string) (int, error) {
	if len(deviceCodes) == 0 {
		return 0, nil
	}
	res, err := s.coll().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": deviceCodes}})
	if err != nil {
		return 0, errors.Wrap(err, "remove device codes")
	}
	removed := int(res.DeletedCount)
	if removed < len(deviceCodes) {
		return removed, errors.Wrapf(oauth.ErrConflict, "removed %d of %d device codes", removed, len(deviceCodes))
	}
	return removed, nil
}

func toDeviceDocument(r oauth.DeviceFlowRecord) deviceDocument {
	return deviceDocument{
		DeviceCode:   r.DeviceCode,
		UserCode:     r.UserCode,
		ClientID:     r.ClientID,
		SubjectID:    r.SubjectID,
		SessionID:    r.SessionID,
		Description:  r.Description,
		CreationTime: r.CreationTime.UTC(),
		Expiration:   r.Expiration.UTC(),
		Data:         r.Data,
	}
}

func fromDeviceDocument(d deviceDocument) oauth.DeviceFlowRecord {
	return oauth.DeviceFlowRecord{
		DeviceCode:   d.DeviceCode,
		UserCode:     d.UserCode,
		ClientID:     d.ClientID,
		SubjectID:    d.SubjectID,
		SessionID:    d.SessionID,
		Description:  d.Description,
		CreationTime: d.CreationTime,
		Expiration:   d.Expiration,
		Data:         d.Data,
	}
}
