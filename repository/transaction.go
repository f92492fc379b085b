package repository

import (
	"context"

	"github.com/linlinbupt123-crypto/hdwallet_core/db"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type TransactionRepo struct {
	col *mongo.Collection
}

func NewTransactionRepo(m *db.MongoRepo) *TransactionRepo {
	return &TransactionRepo{col: m.TxColl}
}

func (r *TransactionRepo) CreateRecord(ctx context.Context, rec *entity.TransactionRecord) error {
	_, err := r.col.InsertOne(ctx, rec)
	return convertErr("transaction", rec.ID, err)
}

func (r *TransactionRepo) GetRecord(ctx context.Context, id string) (*entity.TransactionRecord, error) {
	var rec entity.TransactionRecord
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		return nil, convertErr("transaction", id, err)
	}
	return &rec, nil
}

func (r *TransactionRepo) GetRecordByHash(ctx context.Context, network,
	hash string) (*entity.TransactionRecord, error) {

	var rec entity.TransactionRecord
	err := r.col.FindOne(ctx, bson.M{"network": network, "hash": hash}).Decode(&rec)
	if err != nil {
		return nil, convertErr("transaction", hash, err)
	}
	return &rec, nil
}

// CompareAndSwapRecord replaces the document only while its version still
// equals expected. On success rec.Version is expected+1.
func (r *TransactionRepo) CompareAndSwapRecord(ctx context.Context, rec *entity.TransactionRecord,
	expected int64) error {

	rec.Version = expected + 1
	res, err := r.col.ReplaceOne(ctx, bson.M{"_id": rec.ID, "version": expected}, rec)
	if err != nil {
		rec.Version = expected
		return convertErr("transaction", rec.ID, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	rec.Version = expected

	n, err := r.col.CountDocuments(ctx, bson.M{"_id": rec.ID})
	if err != nil {
		return convertErr("transaction", rec.ID, err)
	}
	if n == 0 {
		return convertErr("transaction", rec.ID, mongo.ErrNoDocuments)
	}
	return wrapErrors.ErrVersionConflict
}

func (r *TransactionRepo) ListRecordsByStatus(ctx context.Context, status entity.TxStatus,
	limit int) ([]*entity.TransactionRecord, error) {

	opts := options.Find().SetSort(bson.M{"created_at": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.col.Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, convertErr("transaction", string(status), err)
	}
	defer cur.Close(ctx)

	var out []*entity.TransactionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, convertErr("transaction", string(status), err)
	}
	return out, nil
}

type AuditRepo struct {
	col *mongo.Collection
}

func NewAuditRepo(m *db.MongoRepo) *AuditRepo {
	return &AuditRepo{col: m.AuditColl}
}

// AppendAudit inserts one entry. Entries are never updated.
func (r *AuditRepo) AppendAudit(ctx context.Context, e *entity.AuditEntry) error {
	_, err := r.col.InsertOne(ctx, e)
	return convertErr("audit entry", e.ID, err)
}

// AuditEntries returns the trail of a record in append order.
func (r *AuditRepo) AuditEntries(ctx context.Context, recordID string) ([]*entity.AuditEntry, error) {
	opts := options.Find().SetSort(bson.M{"created_at": 1})
	cur, err := r.col.Find(ctx, bson.M{"record_id": recordID}, opts)
	if err != nil {
		return nil, convertErr("audit entry", recordID, err)
	}
	defer cur.Close(ctx)

	var out []*entity.AuditEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, convertErr("audit entry", recordID, err)
	}
	return out, nil
}
