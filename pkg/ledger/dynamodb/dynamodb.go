// Package dynamodb stores the ledger and its transaction log in AWS DynamoDB.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	// DefaultAccountsTable holds one item per account.
	DefaultAccountsTable = "LedgerAccounts"
	// DefaultLogTable holds one item per log entry.
	DefaultLogTable = "LedgerTransactions"

	// logStream is the single partition all log entries are written to, so a
	// Query on it returns the whole log in sort key order.
	logStream = "transactions"

	// sortKeyLayout is fixed width so sort keys order lexically by time.
	sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

	// maxTransactItems is the TransactWriteItems limit, and so the most
	// accounts one SaveAll may change.
	maxTransactItems = 100
)

// API is the subset of the DynamoDB client the backends call.
type API interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Config holds the configuration for the DynamoDB backends
type Config struct {
	Region        string
	Endpoint      string
	AccountsTable string
	LogTable      string
	CreateTables  bool
}

// Factory creates DynamoDB backed stores and logs
type Factory struct{}

// NewFactory creates a new DynamoDB factory
func NewFactory() *Factory {
	return &Factory{}
}

// CreateStore implements the ledger.StoreFactory interface
func (f *Factory) CreateStore(config map[string]interface{}) (ledger.Store, error) {
	cfg := parseConfig(config)
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(client, cfg.AccountsTable, cfg.CreateTables), nil
}

// CreateLog implements the ledger.LogFactory interface
func (f *Factory) CreateLog(config map[string]interface{}) (ledger.TransactionLog, error) {
	cfg := parseConfig(config)
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return NewLog(client, cfg.LogTable, cfg.CreateTables), nil
}

func parseConfig(config map[string]interface{}) Config {
	cfg := Config{
		Region:        "us-east-1",
		AccountsTable: DefaultAccountsTable,
		LogTable:      DefaultLogTable,
	}
	if region, ok := config["region"].(string); ok && region != "" {
		cfg.Region = region
	}
	if endpoint, ok := config["endpoint"].(string); ok {
		cfg.Endpoint = endpoint
	}
	if table, ok := config["accountsTable"].(string); ok && table != "" {
		cfg.AccountsTable = table
	}
	if table, ok := config["logTable"].(string); ok && table != "" {
		cfg.LogTable = table
	}
	if create, ok := config["createTables"].(bool); ok {
		cfg.CreateTables = create
	}
	return cfg
}

// NewClient builds a DynamoDB client, pointing it at cfg.Endpoint when set
// (DynamoDB Local, LocalStack).
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// accountItem is the stored shape of a ledger.Account. Amounts are kept as
// decimal strings so no precision is lost to float conversion.
type accountItem struct {
	Username  string `dynamodbav:"username"`
	Position  int    `dynamodbav:"position"`
	Balance   string `dynamodbav:"balance"`
	Wallet    string `dynamodbav:"wallet"`
	LastAdded string `dynamodbav:"lastAdded,omitempty"`
}

func toItem(position int, a ledger.Account) accountItem {
	item := accountItem{
		Username: a.Username,
		Position: position,
		Balance:  a.Balance.String(),
		Wallet:   a.Wallet.String(),
	}
	if a.LastAdded != nil {
		item.LastAdded = a.LastAdded.UTC().Format(time.RFC3339Nano)
	}
	return item
}

func fromItem(item accountItem) (ledger.Account, error) {
	balance, err := decimal.NewFromString(item.Balance)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: balance of %s: %w", ledger.ErrStorageCorrupt, item.Username, err)
	}
	wallet, err := decimal.NewFromString(item.Wallet)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: wallet of %s: %w", ledger.ErrStorageCorrupt, item.Username, err)
	}
	a := ledger.Account{Username: item.Username, Balance: balance, Wallet: wallet}
	if item.LastAdded != "" {
		t, err := time.Parse(time.RFC3339Nano, item.LastAdded)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("%w: lastAdded of %s: %w", ledger.ErrStorageCorrupt, item.Username, err)
		}
		a.LastAdded = &t
	}
	return a, nil
}

// Store is a ledger.Store backed by a DynamoDB table keyed by username
type Store struct {
	client      API
	tableName   string
	createTable bool
}

// NewStore creates a Store on tableName.
func NewStore(client API, tableName string, createTable bool) *Store {
	return &Store{client: client, tableName: tableName, createTable: createTable}
}

// Initialize implements the ledger.Store interface
func (s *Store) Initialize(ctx context.Context) error {
	return ensureTable(ctx, s.client, s.tableName, s.createTable,
		[]types.AttributeDefinition{
			{AttributeName: aws.String("username"), AttributeType: types.ScalarAttributeTypeS},
		},
		[]types.KeySchemaElement{
			{AttributeName: aws.String("username"), KeyType: types.KeyTypeHash},
		})
}

// Close implements the ledger.Store interface
func (s *Store) Close() error {
	// DynamoDB doesn't require explicit connection closing
	return nil
}

// LoadAll implements the ledger.Store interface
func (s *Store) LoadAll(ctx context.Context) ([]ledger.Account, error) {
	var items []accountItem
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: Scan operation failed: %w", ledger.ErrStorageUnavailable, err)
		}
		var pageItems []accountItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal accounts: %w", ledger.ErrStorageCorrupt, err)
		}
		items = append(items, pageItems...)
	}

	// accounts created concurrently can share a position
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].Username < items[j].Username
	})

	accounts := make([]ledger.Account, 0, len(items))
	for _, item := range items {
		a, err := fromItem(item)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// SaveAll implements the ledger.Store interface. The accounts that differ
// from base are written in one TransactWriteItems call, each conditioned on
// the stored item still holding its base state.
func (s *Store) SaveAll(ctx context.Context, base, accounts []ledger.Account) error {
	changes := ledger.Diff(base, accounts)
	if len(changes) == 0 {
		return nil
	}
	if len(changes) > maxTransactItems {
		return fmt.Errorf("%w: %d accounts changed, one save may change at most %d",
			ledger.ErrStorageUnavailable, len(changes), maxTransactItems)
	}

	transactItems := make([]types.TransactWriteItem, 0, len(changes))
	for _, c := range changes {
		item, err := s.transactItem(c)
		if err != nil {
			return err
		}
		transactItems = append(transactItems, item)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %w", ledger.ErrStorageConflict, err)
		}
		return fmt.Errorf("%w: TransactWriteItems operation failed: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

// transactItem turns one change into a conditional Put or Delete.
func (s *Store) transactItem(c ledger.Change) (types.TransactWriteItem, error) {
	condition, names, values := expectState(c.Before)

	if c.After == nil {
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(s.tableName),
			Key:                       usernameKey(c.Username),
			ConditionExpression:       aws.String(condition),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}}, nil
	}

	item, err := attributevalue.MarshalMap(toItem(c.Position, *c.After))
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("failed to marshal account %s: %w", c.Username, err)
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}, nil
}

// expectState builds a condition that holds only while the stored item
// matches before, or does not exist when before is nil.
func expectState(before *ledger.Account) (string, map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{"#username": "username"}
	if before == nil {
		return "attribute_not_exists(#username)", names, nil
	}

	item := toItem(0, *before)
	names["#balance"] = "balance"
	names["#wallet"] = "wallet"
	names["#lastAdded"] = "lastAdded"
	values := map[string]types.AttributeValue{
		":balance": &types.AttributeValueMemberS{Value: item.Balance},
		":wallet":  &types.AttributeValueMemberS{Value: item.Wallet},
	}
	condition := "attribute_exists(#username) AND #balance = :balance AND #wallet = :wallet AND "
	if item.LastAdded == "" {
		condition += "attribute_not_exists(#lastAdded)"
	} else {
		condition += "#lastAdded = :lastAdded"
		values[":lastAdded"] = &types.AttributeValueMemberS{Value: item.LastAdded}
	}
	return condition, names, values
}

// isConflict reports whether a transaction was cancelled because an item
// no longer matched its condition or was being written by another
// transaction.
func isConflict(err error) bool {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		var inProgress *types.TransactionConflictException
		return errors.As(err, &inProgress)
	}
	for _, reason := range cancelled.CancellationReasons {
		switch aws.ToString(reason.Code) {
		case "ConditionalCheckFailed", "TransactionConflict":
			return true
		}
	}
	return false
}

// Export implements the ledger.Store interface. The collection is rendered
// in the same JSON shape the file backend stores.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	accounts, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(accounts)
}

func usernameKey(username string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"username": &types.AttributeValueMemberS{Value: username},
	}
}

// logItem is the stored shape of a ledger.Entry.
type logItem struct {
	Stream  string `dynamodbav:"stream"`
	SortKey string `dynamodbav:"sk"`
	ID      string `dynamodbav:"id"`
	Time    string `dynamodbav:"time"`
	Message string `dynamodbav:"message"`
}

func newLogItem(e ledger.Entry) logItem {
	id := uuid.New().String()
	t := e.Time.UTC()
	return logItem{
		Stream:  logStream,
		SortKey: t.Format(sortKeyLayout) + "#" + id,
		ID:      id,
		Time:    t.Format(time.RFC3339Nano),
		Message: e.Message,
	}
}

func (item logItem) entry() (ledger.Entry, error) {
	t, err := time.Parse(time.RFC3339Nano, item.Time)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: log entry %s: %w", ledger.ErrStorageCorrupt, item.ID, err)
	}
	return ledger.Entry{Time: t, Message: item.Message}, nil
}

// Log is a ledger.TransactionLog backed by a DynamoDB table
type Log struct {
	client      API
	tableName   string
	createTable bool
}

// NewLog creates a Log on tableName.
func NewLog(client API, tableName string, createTable bool) *Log {
	return &Log{client: client, tableName: tableName, createTable: createTable}
}

// Initialize implements the ledger.TransactionLog interface
func (l *Log) Initialize(ctx context.Context) error {
	return ensureTable(ctx, l.client, l.tableName, l.createTable,
		[]types.AttributeDefinition{
			{AttributeName: aws.String("stream"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		[]types.KeySchemaElement{
			{AttributeName: aws.String("stream"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		})
}

// Close implements the ledger.TransactionLog interface
func (l *Log) Close() error {
	return nil
}

// Append implements the ledger.TransactionLog interface
func (l *Log) Append(ctx context.Context, entry ledger.Entry) error {
	item, err := attributevalue.MarshalMap(newLogItem(entry))
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w: PutItem operation failed: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

// Export implements the ledger.TransactionLog interface
func (l *Log) Export(ctx context.Context) ([]byte, error) {
	paginator := dynamodb.NewQueryPaginator(l.client, &dynamodb.QueryInput{
		TableName:              aws.String(l.tableName),
		KeyConditionExpression: aws.String("#stream = :stream"),
		ExpressionAttributeNames: map[string]string{
			"#stream": "stream",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":stream": &types.AttributeValueMemberS{Value: logStream},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})

	var entries []ledger.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: Query operation failed: %w", ledger.ErrStorageUnavailable, err)
		}
		var items []logItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal log entries: %w", ledger.ErrStorageCorrupt, err)
		}
		for _, item := range items {
			e, err := item.entry()
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}
	return ledger.FormatLog(entries), nil
}

// ensureTable checks that tableName exists, creating it on demand when create
// is set.
func ensureTable(ctx context.Context, client API, tableName string, create bool, attrs []types.AttributeDefinition, keys []types.KeySchemaElement) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		return nil
	}

	var notFoundErr *types.ResourceNotFoundException
	if !errors.As(err, &notFoundErr) {
		return fmt.Errorf("%w: error checking table %s: %w", ledger.ErrStorageUnavailable, tableName, err)
	}
	if !create {
		return fmt.Errorf("%w: table %s does not exist", ledger.ErrStorageUnavailable, tableName)
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(tableName),
		AttributeDefinitions: attrs,
		KeySchema:            keys,
		BillingMode:          types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUseErr *types.ResourceInUseException
		if !errors.As(err, &inUseErr) {
			return fmt.Errorf("%w: failed to create table %s: %w", ledger.ErrStorageUnavailable, tableName, err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 5*time.Minute); err != nil {
		return fmt.Errorf("%w: failed to wait for table %s: %w", ledger.ErrStorageUnavailable, tableName, err)
	}
	return nil
}
