package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	notificationsCollection = "notifications"
	attemptsCollection      = "notification_attempts"
)

type notificationDocument struct {
	ID            string         `bson:"_id"`
	UserID        string         `bson:"userId"`
	Title         string         `bson:"title"`
	Message       string         `bson:"message"`
	Channel       string         `bson:"channel"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
	Status        string         `bson:"status"`
	AttemptCount  int            `bson:"attemptCount"`
	MaxAttempts   int            `bson:"maxAttempts"`
	NextAttemptAt *time.Time     `bson:"nextAttemptAt"`
	LastError     *string        `bson:"lastError"`
	Version       int64          `bson:"version"`
	CreatedAt     time.Time      `bson:"createdAt"`
	UpdatedAt     time.Time      `bson:"updatedAt"`
}

type attemptDocument struct {
	ID             string    `bson:"_id"`
	NotificationID string    `bson:"notificationId"`
	AttemptNumber  int       `bson:"attemptNumber"`
	Channel        string    `bson:"channel"`
	Outcome        string    `bson:"outcome"`
	Error          *string   `bson:"error"`
	DurationMillis int64     `bson:"durationMillis"`
	CreatedAt      time.Time `bson:"createdAt"`
}

// MongoNotificationRepo stores notifications as documents; version matching on
// UpdateOne provides the compare-and-swap.
type MongoNotificationRepo struct {
	db            *mongo.Database
	notifications *mongo.Collection
	now           func() time.Time
}

func NewMongoNotificationRepo(db *mongo.Database) *MongoNotificationRepo {
	return &MongoNotificationRepo{
		db:            db,
		notifications: db.Collection(notificationsCollection),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
	}
}

// EnsureIndexes creates the indexes backing user listing and the scheduler sweeps.
func (r *MongoNotificationRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextAttemptAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
	})
	if err != nil {
		return infraError("create notification indexes", err)
	}

	_, err = r.db.Collection(attemptsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "notificationId", Value: 1}, {Key: "attemptNumber", Value: 1}},
	})
	if err != nil {
		return infraError("create attempt indexes", err)
	}
	return nil
}

func (r *MongoNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	if n != nil && !n.CreatedAt.IsZero() {
		n.CreatedAt = n.CreatedAt.Truncate(time.Millisecond)
	}
	if err := prepareCreate(n, r.now()); err != nil {
		return err
	}

	if _, err := r.notifications.InsertOne(ctx, documentFromDomain(n)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateKey
		}
		return infraError("insert notification", err)
	}
	return nil
}

func (r *MongoNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var doc notificationDocument
	err := r.notifications.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, infraError("find notification", err)
	}
	return doc.toDomain(), nil
}

func (r *MongoNotificationRepo) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutation domain.Mutation) (*domain.Notification, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, versionConflict(id, expectedVersion)
	}

	updated, err := domain.Apply(current, mutation, r.now())
	if err != nil {
		return nil, err
	}

	res, err := r.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"status":        string(updated.Status),
			"attemptCount":  updated.AttemptCount,
			"nextAttemptAt": updated.NextAttemptAt,
			"lastError":     updated.LastError,
			"version":       updated.Version,
			"updatedAt":     updated.UpdatedAt,
		}},
	)
	if err != nil {
		return nil, infraError("update notification", err)
	}
	if res.MatchedCount == 0 {
		return nil, versionConflict(id, expectedVersion)
	}
	return updated, nil
}

func (r *MongoNotificationRepo) ListByUser(ctx context.Context, userID string, cursor string, limit int) ([]domain.Notification, string, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = NormalizePageSize(limit)

	rows, err := r.find(ctx, userPageFilter(userID, after), bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}, limit+1)
	if err != nil {
		return nil, "", err
	}

	rows, next := nextPage(rows, limit)
	return rows, next, nil
}

func (r *MongoNotificationRepo) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	return r.find(ctx,
		bson.M{"status": string(domain.StatusRetrying), "nextAttemptAt": bson.M{"$lte": now}},
		bson.D{{Key: "nextAttemptAt", Value: 1}},
		limit,
	)
}

func (r *MongoNotificationRepo) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.find(ctx,
		bson.M{"status": string(domain.StatusPending), "createdAt": bson.M{"$lte": createdBefore}},
		bson.D{{Key: "createdAt", Value: 1}},
		limit,
	)
}

func (r *MongoNotificationRepo) ListStaleClaims(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.find(ctx,
		bson.M{"status": string(domain.StatusSending), "updatedAt": bson.M{"$lte": updatedBefore}},
		bson.D{{Key: "updatedAt", Value: 1}},
		limit,
	)
}

func (r *MongoNotificationRepo) ListStaleQueued(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.find(ctx,
		bson.M{"status": string(domain.StatusQueued), "updatedAt": bson.M{"$lte": updatedBefore}},
		bson.D{{Key: "updatedAt", Value: 1}},
		limit,
	)
}

func (r *MongoNotificationRepo) StatusCounts(ctx context.Context) ([]StatusCount, error) {
	cur, err := r.notifications.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "avgAttempts", Value: bson.D{{Key: "$avg", Value: "$attemptCount"}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	})
	if err != nil {
		return nil, infraError("aggregate notifications", err)
	}

	var counts []StatusCount
	if err := cur.All(ctx, &counts); err != nil {
		return nil, infraError("decode aggregate", err)
	}
	return counts, nil
}

func (r *MongoNotificationRepo) Ping(ctx context.Context) error {
	if err := r.db.Client().Ping(ctx, nil); err != nil {
		return infraError("mongo ping", err)
	}
	return nil
}

func (r *MongoNotificationRepo) find(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = MaxPageSize
	}

	cur, err := r.notifications.Find(ctx, filter, options.Find().SetSort(sort).SetLimit(int64(limit)))
	if err != nil {
		return nil, infraError("find notifications", err)
	}

	var docs []notificationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, infraError("decode notifications", err)
	}

	rows := make([]domain.Notification, 0, len(docs))
	for i := range docs {
		rows = append(rows, *docs[i].toDomain())
	}
	return rows, nil
}

// MongoAttemptRepo writes the attempt log to a sibling collection.
type MongoAttemptRepo struct {
	attempts *mongo.Collection
}

func NewMongoAttemptRepo(db *mongo.Database) *MongoAttemptRepo {
	return &MongoAttemptRepo{attempts: db.Collection(attemptsCollection)}
}

func (r *MongoAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	if a == nil {
		return nil
	}

	doc := attemptDocument{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		Channel:        string(a.Channel),
		Outcome:        string(a.Outcome),
		Error:          a.Error,
		DurationMillis: a.DurationMillis,
		CreatedAt:      a.CreatedAt.UTC(),
	}
	if _, err := r.attempts.InsertOne(ctx, doc); err != nil {
		return infraError("insert attempt", err)
	}
	return nil
}

func (r *MongoAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	cur, err := r.attempts.Find(ctx,
		bson.M{"notificationId": notificationID},
		options.Find().SetSort(bson.D{{Key: "attemptNumber", Value: 1}}),
	)
	if err != nil {
		return nil, infraError("find attempts", err)
	}

	var docs []attemptDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, infraError("decode attempts", err)
	}

	attempts := make([]domain.NotificationAttempt, 0, len(docs))
	for _, d := range docs {
		attempts = append(attempts, domain.NotificationAttempt{
			ID:             d.ID,
			NotificationID: d.NotificationID,
			AttemptNumber:  d.AttemptNumber,
			Channel:        domain.Channel(d.Channel),
			Outcome:        domain.AttemptOutcome(d.Outcome),
			Error:          d.Error,
			DurationMillis: d.DurationMillis,
			CreatedAt:      d.CreatedAt.UTC(),
		})
	}
	return attempts, nil
}

// userPageFilter selects a user's notifications strictly after the cursor in
// (createdAt desc, _id desc) order.
func userPageFilter(userID string, after *Cursor) bson.M {
	filter := bson.M{"userId": userID}
	if after != nil {
		filter["$or"] = bson.A{
			bson.M{"createdAt": bson.M{"$lt": after.CreatedAt}},
			bson.M{"createdAt": after.CreatedAt, "_id": bson.M{"$lt": after.ID}},
		}
	}
	return filter
}

func documentFromDomain(n *domain.Notification) notificationDocument {
	return notificationDocument{
		ID:            n.ID,
		UserID:        n.UserID,
		Title:         n.Title,
		Message:       n.Message,
		Channel:       string(n.Channel),
		Metadata:      n.Clone().Metadata,
		Status:        string(n.Status),
		AttemptCount:  n.AttemptCount,
		MaxAttempts:   n.MaxAttempts,
		NextAttemptAt: n.NextAttemptAt,
		LastError:     n.LastError,
		Version:       n.Version,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func (d *notificationDocument) toDomain() *domain.Notification {
	n := &domain.Notification{
		ID:            d.ID,
		UserID:        d.UserID,
		Title:         d.Title,
		Message:       d.Message,
		Channel:       domain.Channel(d.Channel),
		Metadata:      d.Metadata,
		Status:        domain.Status(d.Status),
		AttemptCount:  d.AttemptCount,
		MaxAttempts:   d.MaxAttempts,
		LastError:     d.LastError,
		Version:       d.Version,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.NextAttemptAt != nil {
		next := d.NextAttemptAt.UTC()
		n.NextAttemptAt = &next
	}
	return n
}
