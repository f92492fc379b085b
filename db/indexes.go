package db

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// 安全创建索引函数
func createIndexSafe(ctx context.Context, col *mongo.Collection, index mongo.IndexModel) error {
	_, err := col.Indexes().CreateOne(ctx, index)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil // 忽略已存在索引
		}
		return err
	}
	return nil
}

// Indexes lists every index per collection. The unique ones back the
// AlreadyExists errors the stores return.
func Indexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		CollSeeds: {
			{Keys: bson.M{"user_id": 1}, Options: options.Index().SetUnique(true)},
		},
		CollWallets: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "account", Value: 1}},
				Options: options.Index().SetUnique(true)},
		},
		CollAddresses: {
			{Keys: bson.M{"address": 1}, Options: options.Index().SetUnique(true)},
			{Keys: bson.M{"user_id": 1}},
			{Keys: bson.D{
				{Key: "wallet_id", Value: 1},
				{Key: "network", Value: 1},
				{Key: "address_type", Value: 1},
				{Key: "index", Value: -1},
			}, Options: options.Index().SetUnique(true)},
		},
		CollTransactions: {
			{Keys: bson.D{{Key: "network", Value: 1}, {Key: "hash", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"hash": bson.M{"$exists": true}})},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.M{"wallet_id": 1}},
		},
		CollAudit: {
			{Keys: bson.D{{Key: "record_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
}

// EnsureIndexes creates every index, skipping those that already exist.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	for coll, indexes := range Indexes() {
		col := db.Collection(coll)
		for _, idx := range indexes {
			if err := createIndexSafe(ctx, col, idx); err != nil {
				return fmt.Errorf("%s index error: %w", coll, err)
			}
		}
	}
	return nil
}
