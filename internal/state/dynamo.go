package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-logr/logr"
)

const (
	pkSync   = "SYNC"
	pkRepo   = "REPO"
	pkConfig = "CONFIG"

	skWorkerConfig = "WORKER_CONFIG"
	skAdminConfig  = "ADMIN_CONFIG"
)

// dynamoAPI is the subset of the DynamoDB client the backend uses.
type dynamoAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoBackend stores each sync and repo as one row keyed by a composite
// (pk, sk) pair and writes every mutation through synchronously. The
// startup Load performs one paginated scan of the whole table.
//
// Credentials never reach this table: SyncConfig carries none by design,
// so rows are redacted by construction.
type DynamoBackend struct {
	client dynamoAPI
	table  string
	log    logr.Logger
}

// NewDynamoBackend creates a DynamoDB-backed state store on the given table.
func NewDynamoBackend(client dynamoAPI, table string, log logr.Logger) *DynamoBackend {
	return &DynamoBackend{client: client, table: table, log: log.WithName("dynamo-state")}
}

// row is the generic table row: key attributes plus the record JSON. The
// repo rows additionally carry syncId for operator-side queries.
type row struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	SyncID string `dynamodbav:"syncId,omitempty"`
	Doc    string `dynamodbav:"doc"`
}

// Load scans the table once into an in-memory snapshot.
func (b *DynamoBackend) Load(ctx context.Context) (Snapshot, WorkerConfig, AdminConfig, error) {
	snap := Snapshot{Version: 2, Syncs: map[string]SyncConfig{}, Repos: map[string]RepoRecord{}}
	wc := DefaultWorkerConfig()
	var ac AdminConfig

	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := b.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(b.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("scanning table %s: %w", b.table, err)
		}
		for _, item := range out.Items {
			var r row
			if err := attributevalue.UnmarshalMap(item, &r); err != nil {
				return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("decoding row: %w", err)
			}
			switch r.PK {
			case pkSync:
				var sc SyncConfig
				if err := json.Unmarshal([]byte(r.Doc), &sc); err != nil {
					return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("decoding sync row %s: %w", r.SK, err)
				}
				snap.Syncs[sc.ID] = sc
			case pkRepo:
				var rec RepoRecord
				if err := json.Unmarshal([]byte(r.Doc), &rec); err != nil {
					return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("decoding repo row %s: %w", r.SK, err)
				}
				snap.Repos[rec.ID] = rec
			case pkConfig:
				switch r.SK {
				case skWorkerConfig:
					if err := json.Unmarshal([]byte(r.Doc), &wc); err != nil {
						return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("decoding worker config row: %w", err)
					}
				case skAdminConfig:
					if err := json.Unmarshal([]byte(r.Doc), &ac); err != nil {
						return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("decoding admin config row: %w", err)
					}
				}
			}
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			break
		}
	}
	b.log.Info("table scanned", "syncs", len(snap.Syncs), "repos", len(snap.Repos))
	return snap, wc, ac, nil
}

func (b *DynamoBackend) put(ctx context.Context, r row) error {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("encoding row %s/%s: %w", r.PK, r.SK, err)
	}
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("writing row %s/%s: %w", r.PK, r.SK, err)
	}
	return nil
}

func (b *DynamoBackend) delete(ctx context.Context, pk, sk string) error {
	_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: pk},
			"sk": &ddbtypes.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting row %s/%s: %w", pk, sk, err)
	}
	return nil
}

func (b *DynamoBackend) SaveSync(ctx context.Context, sc SyncConfig) error {
	doc, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encoding sync %s: %w", sc.ID, err)
	}
	return b.put(ctx, row{PK: pkSync, SK: pkSync + "#" + sc.ID, Doc: string(doc)})
}

func (b *DynamoBackend) DeleteSync(ctx context.Context, id string) error {
	return b.delete(ctx, pkSync, pkSync+"#"+id)
}

func (b *DynamoBackend) SaveRepo(ctx context.Context, r RepoRecord) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding repo %s: %w", r.ID, err)
	}
	return b.put(ctx, row{PK: pkRepo, SK: pkRepo + "#" + r.ID, SyncID: r.SyncID, Doc: string(doc)})
}

func (b *DynamoBackend) DeleteRepo(ctx context.Context, id string) error {
	return b.delete(ctx, pkRepo, pkRepo+"#"+id)
}

func (b *DynamoBackend) SaveWorkerConfig(ctx context.Context, wc WorkerConfig) error {
	doc, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("encoding worker config: %w", err)
	}
	return b.put(ctx, row{PK: pkConfig, SK: skWorkerConfig, Doc: string(doc)})
}

func (b *DynamoBackend) SaveAdminConfig(ctx context.Context, ac AdminConfig) error {
	doc, err := json.Marshal(ac)
	if err != nil {
		return fmt.Errorf("encoding admin config: %w", err)
	}
	return b.put(ctx, row{PK: pkConfig, SK: skAdminConfig, Doc: string(doc)})
}

// Flush is a no-op: every mutation is already written through.
func (b *DynamoBackend) Flush(context.Context) error { return nil }

// LogDir reports no durable local filesystem, which disables migration
// log downloads under this backend.
func (b *DynamoBackend) LogDir() (string, bool) { return "", false }

func (b *DynamoBackend) Close() error { return nil }
