package repository

import (
	"context"

	"github.com/linlinbupt123-crypto/hdwallet_core/db"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AddressRepo struct {
	col *mongo.Collection
}

func NewAddressRepo(m *db.MongoRepo) *AddressRepo {
	return &AddressRepo{col: m.AddrColl}
}

func (r *AddressRepo) CreateAddress(ctx context.Context, addr *entity.Address) error {
	_, err := r.col.InsertOne(ctx, addr)
	return convertErr("address", addr.Address, err)
}

// GetAddress 根据链上的地址查找 Address
func (r *AddressRepo) GetAddress(ctx context.Context, address string) (*entity.Address, error) {
	var addr entity.Address
	err := r.col.FindOne(ctx, bson.M{"address": address}).Decode(&addr)
	if err != nil {
		return nil, convertErr("address", address, err)
	}
	return &addr, nil
}

// ListAddresses 根据钱包 ID 查找 Address, 不返回加密私钥
func (r *AddressRepo) ListAddresses(ctx context.Context, walletID string) ([]*entity.Address, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "network", Value: 1}, {Key: "index", Value: 1}}).
		SetProjection(bson.M{"encrypted_private_key": 0})

	cur, err := r.col.Find(ctx, bson.M{"wallet_id": walletID}, opts)
	if err != nil {
		return nil, convertErr("address", walletID, err)
	}
	defer cur.Close(ctx)

	var out []*entity.Address
	if err := cur.All(ctx, &out); err != nil {
		return nil, convertErr("address", walletID, err)
	}
	return out, nil
}

// 获取钱包在某条链的最大 index (用于生成下一地址)
func (r *AddressRepo) GetMaxIndex(ctx context.Context, walletID, network,
	addressType string) (int64, error) {

	opts := options.FindOne().SetSort(bson.M{"index": -1})

	var out entity.Address
	err := r.col.FindOne(ctx, bson.M{
		"wallet_id":    walletID,
		"network":      network,
		"address_type": addressType,
	}, opts).Decode(&out)

	if err == mongo.ErrNoDocuments {
		return -1, nil
	}
	if err != nil {
		return -1, convertErr("address", walletID, err)
	}

	return int64(out.Index), nil
}

func (r *AddressRepo) UpdateEncryptedKey(ctx context.Context, address string, enc []byte) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"address": address},
		bson.M{"$set": bson.M{"encrypted_private_key": enc}})
	if err != nil {
		return convertErr("address", address, err)
	}
	if res.MatchedCount == 0 {
		return convertErr("address", address, mongo.ErrNoDocuments)
	}
	return nil
}
