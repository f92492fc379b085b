package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollSeeds        = "master_seeds"
	CollWallets      = "wallets"
	CollAddresses    = "addresses"
	CollTransactions = "transactions"
	CollAudit        = "audit_log"
)

type MongoRepo struct {
	Client     *mongo.Client
	DB         *mongo.Database
	SeedColl   *mongo.Collection
	WalletColl *mongo.Collection
	AddrColl   *mongo.Collection
	TxColl     *mongo.Collection
	AuditColl  *mongo.Collection
}

func NewMongoRepo(ctx context.Context, uri, dbName string) (*MongoRepo, error) {
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	// ping
	ctx2, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx2, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	db := client.Database(dbName)
	return &MongoRepo{
		Client:     client,
		DB:         db,
		SeedColl:   db.Collection(CollSeeds),
		WalletColl: db.Collection(CollWallets),
		AddrColl:   db.Collection(CollAddresses),
		TxColl:     db.Collection(CollTransactions),
		AuditColl:  db.Collection(CollAudit),
	}, nil
}

func (m *MongoRepo) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
