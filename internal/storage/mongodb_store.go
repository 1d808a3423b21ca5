package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
)

const backendMongoDB = "mongodb"

// MongoDBStore implements Store on MongoDB. ApplyTransfer needs a replica
// set or sharded cluster because it runs in a multi-document transaction.
// Balances are Decimal128, which holds 34 significant digits.
type MongoDBStore struct {
	client   *mongo.Client
	nonces   *mongo.Collection
	balances *mongo.Collection
	metrics  *metrics.Metrics
}

type mongoTransfer struct {
	ReplayKey string               `bson:"_id"`
	TxHash    string               `bson:"tx_hash"`
	Asset     string               `bson:"asset"`
	From      string               `bson:"from"`
	To        string               `bson:"to"`
	Value     primitive.Decimal128 `bson:"value"`
	SettledAt time.Time            `bson:"settled_at"`
}

type mongoBalance struct {
	ID      string               `bson:"_id"`
	Asset   string               `bson:"asset"`
	Account string               `bson:"account"`
	Amount  primitive.Decimal128 `bson:"amount"`
}

// NewMongoDBStore connects, pings and creates indexes.
func NewMongoDBStore(ctx context.Context, connectionString, database string, mapping config.SchemaMapping, m *metrics.Metrics) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	noncesName, balancesName := "x402_nonces", "x402_balances"
	if mapping.Nonces != "" {
		noncesName = mapping.Nonces
	}
	if mapping.Balances != "" {
		balancesName = mapping.Balances
	}

	db := client.Database(database)
	store := &MongoDBStore{
		client:   client,
		nonces:   db.Collection(noncesName),
		balances: db.Collection(balancesName),
		metrics:  m,
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.nonces.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "from", Value: 1}, {Key: "settled_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create nonce indexes: %w", err)
	}
	_, err = s.balances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "asset", Value: 1}, {Key: "account", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create balance indexes: %w", err)
	}
	return nil
}

func balanceID(asset, account common.Address) string {
	return asset.Hex() + ":" + account.Hex()
}

func (s *MongoDBStore) ApplyTransfer(ctx context.Context, t Transfer) error {
	if err := validateTransfer(t); err != nil {
		return err
	}
	defer metrics.MeasureDBQuery(s.metrics, "apply_transfer", backendMongoDB)()

	value, err := toDecimal128(t.Value)
	if err != nil {
		return err
	}
	negValue, err := toDecimal128(new(big.Int).Neg(t.Value))
	if err != nil {
		return err
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		_, err := s.nonces.InsertOne(sc, mongoTransfer{
			ReplayKey: t.ReplayKey.Hex(),
			TxHash:    t.TxHash.Hex(),
			Asset:     t.Asset.Hex(),
			From:      t.From.Hex(),
			To:        t.To.Hex(),
			Value:     value,
			SettledAt: t.SettledAt.UTC(),
		})
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrNonceUsed
		}
		if err != nil {
			return nil, fmt.Errorf("record nonce: %w", err)
		}

		res, err := s.balances.UpdateOne(sc,
			bson.M{"_id": balanceID(t.Asset, t.From), "amount": bson.M{"$gte": value}},
			bson.M{"$inc": bson.M{"amount": negValue}},
		)
		if err != nil {
			return nil, fmt.Errorf("debit payer: %w", err)
		}
		if res.MatchedCount == 0 {
			return nil, ErrInsufficientBalance
		}

		if err := s.credit(sc, t.Asset, t.To, value); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (s *MongoDBStore) credit(ctx context.Context, asset, account common.Address, amount primitive.Decimal128) error {
	_, err := s.balances.UpdateOne(ctx,
		bson.M{"_id": balanceID(asset, account)},
		bson.M{
			"$inc":         bson.M{"amount": amount},
			"$setOnInsert": bson.M{"asset": asset.Hex(), "account": account.Hex()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	return nil
}

func (s *MongoDBStore) NonceUsed(ctx context.Context, replayKey common.Hash) (bool, error) {
	defer metrics.MeasureDBQuery(s.metrics, "nonce_used", backendMongoDB)()

	count, err := s.nonces.CountDocuments(ctx, bson.M{"_id": replayKey.Hex()}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count nonces: %w", err)
	}
	return count > 0, nil
}

func (s *MongoDBStore) GetTransfer(ctx context.Context, replayKey common.Hash) (Transfer, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_transfer", backendMongoDB)()

	var doc mongoTransfer
	err := s.nonces.FindOne(ctx, bson.M{"_id": replayKey.Hex()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("query transfer: %w", err)
	}
	v, err := fromDecimal128(doc.Value)
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{
		ReplayKey: replayKey,
		TxHash:    common.HexToHash(doc.TxHash),
		Asset:     common.HexToAddress(doc.Asset),
		From:      common.HexToAddress(doc.From),
		To:        common.HexToAddress(doc.To),
		Value:     v,
		SettledAt: doc.SettledAt,
	}, nil
}

func (s *MongoDBStore) Balance(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	defer metrics.MeasureDBQuery(s.metrics, "balance", backendMongoDB)()

	var doc mongoBalance
	err := s.balances.FindOne(ctx, bson.M{"_id": balanceID(asset, account)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return fromDecimal128(doc.Amount)
}

func (s *MongoDBStore) Credit(ctx context.Context, asset, account common.Address, amount *big.Int) error {
	if err := validateCredit(amount); err != nil {
		return err
	}
	defer metrics.MeasureDBQuery(s.metrics, "credit", backendMongoDB)()

	v, err := toDecimal128(amount)
	if err != nil {
		return err
	}
	return s.credit(ctx, asset, account, v)
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDecimal128(v *big.Int) (primitive.Decimal128, error) {
	d, err := primitive.ParseDecimal128(v.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("amount %s exceeds decimal128 precision: %w", v, err)
	}
	return d, nil
}

func fromDecimal128(d primitive.Decimal128) (*big.Int, error) {
	mant, exp, err := d.BigInt()
	if err != nil {
		return nil, fmt.Errorf("decode decimal128: %w", err)
	}
	switch {
	case exp > 0:
		mant.Mul(mant, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	case exp < 0:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil)
		q, r := new(big.Int).QuoRem(mant, div, new(big.Int))
		if r.Sign() != 0 {
			return nil, fmt.Errorf("decode decimal128: fractional amount %s", d)
		}
		mant = q
	}
	return mant, nil
}
