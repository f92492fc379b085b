/*
master_seeds: user_id → 唯一索引
wallets: (user_id, account) → 唯一索引
*/
package repository

import (
	"context"

	"github.com/linlinbupt123-crypto/hdwallet_core/db"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type SeedRepo struct {
	col *mongo.Collection
}

func NewSeedRepo(m *db.MongoRepo) *SeedRepo {
	return &SeedRepo{col: m.SeedColl}
}

func (r *SeedRepo) CreateSeed(ctx context.Context, seed *entity.MasterSeed) error {
	_, err := r.col.InsertOne(ctx, seed)
	return convertErr("master seed", seed.UserID, err)
}

func (r *SeedRepo) GetSeed(ctx context.Context, userID string) (*entity.MasterSeed, error) {
	var s entity.MasterSeed
	err := r.col.FindOne(ctx, bson.M{"user_id": userID}).Decode(&s)
	if err != nil {
		return nil, convertErr("master seed", userID, err)
	}
	return &s, nil
}

func (r *SeedRepo) DeleteSeed(ctx context.Context, userID string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"user_id": userID})
	if err != nil {
		return convertErr("master seed", userID, err)
	}
	if res.DeletedCount == 0 {
		return convertErr("master seed", userID, mongo.ErrNoDocuments)
	}
	return nil
}

type WalletRepo struct {
	col *mongo.Collection
}

func NewWalletRepo(m *db.MongoRepo) *WalletRepo {
	return &WalletRepo{col: m.WalletColl}
}

// CreateWallet fails with AlreadyExists when the account is taken, which
// callers use to retry allocation.
func (r *WalletRepo) CreateWallet(ctx context.Context, w *entity.Wallet) error {
	_, err := r.col.InsertOne(ctx, w)
	return convertErr("wallet", w.ID, err)
}

func (r *WalletRepo) GetWallet(ctx context.Context, id string) (*entity.Wallet, error) {
	var w entity.Wallet
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&w); err != nil {
		return nil, convertErr("wallet", id, err)
	}
	return &w, nil
}

func (r *WalletRepo) ListWallets(ctx context.Context, userID string) ([]*entity.Wallet, error) {
	opts := options.Find().SetSort(bson.M{"account": 1})
	cur, err := r.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, convertErr("wallet", userID, err)
	}
	defer cur.Close(ctx)

	var out []*entity.Wallet
	if err := cur.All(ctx, &out); err != nil {
		return nil, convertErr("wallet", userID, err)
	}
	return out, nil
}

// 获取用户最大的 account (用于分配下一个钱包)
func (r *WalletRepo) MaxAccount(ctx context.Context, userID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.M{"account": -1})

	var out entity.Wallet
	err := r.col.FindOne(ctx, bson.M{"user_id": userID}, opts).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return -1, nil
	}
	if err != nil {
		return -1, convertErr("wallet", userID, err)
	}
	return int64(out.Account), nil
}
