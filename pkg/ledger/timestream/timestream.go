// Package timestream writes the transaction log to AWS Timestream.
package timestream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/google/uuid"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
)

const (
	DefaultDatabase = "LedgerDB"
	DefaultTable    = "Transactions"

	measureName = "message"
	entryIDDim  = "entry_id"
	// seqDim orders entries that share a timestamp. Values are fixed width so
	// they sort lexically.
	seqDim    = "seq"
	seqLayout = "%020d"

	// queryTimeLayout is how Timestream renders timestamp columns.
	queryTimeLayout = "2006-01-02 15:04:05.999999999"
)

// WriteAPI is the subset of the Timestream write client the log uses.
type WriteAPI interface {
	DescribeDatabase(ctx context.Context, params *timestreamwrite.DescribeDatabaseInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.DescribeDatabaseOutput, error)
	CreateDatabase(ctx context.Context, params *timestreamwrite.CreateDatabaseInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.CreateDatabaseOutput, error)
	DescribeTable(ctx context.Context, params *timestreamwrite.DescribeTableInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *timestreamwrite.CreateTableInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.CreateTableOutput, error)
	WriteRecords(ctx context.Context, params *timestreamwrite.WriteRecordsInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error)
}

// Config holds configuration for the Timestream log
type Config struct {
	Region       string
	Endpoint     string
	DatabaseName string
	TableName    string
}

// Factory creates Timestream backed logs
type Factory struct{}

// NewFactory creates a new Timestream factory
func NewFactory() *Factory {
	return &Factory{}
}

// CreateLog implements the ledger.LogFactory interface
func (f *Factory) CreateLog(config map[string]interface{}) (ledger.TransactionLog, error) {
	cfg := Config{
		Region:       "us-east-1",
		DatabaseName: DefaultDatabase,
		TableName:    DefaultTable,
	}
	if region, ok := config["region"].(string); ok && region != "" {
		cfg.Region = region
	}
	if endpoint, ok := config["endpoint"].(string); ok {
		cfg.Endpoint = endpoint
	}
	if databaseName, ok := config["databaseName"].(string); ok && databaseName != "" {
		cfg.DatabaseName = databaseName
	}
	if tableName, ok := config["tableName"].(string); ok && tableName != "" {
		cfg.TableName = tableName
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	writeClient := timestreamwrite.NewFromConfig(awsCfg, func(o *timestreamwrite.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	queryClient := timestreamquery.NewFromConfig(awsCfg, func(o *timestreamquery.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewLog(writeClient, queryClient, cfg.DatabaseName, cfg.TableName), nil
}

// Log is a ledger.TransactionLog on a Timestream table. Each entry is one
// record whose VARCHAR measure holds the message.
type Log struct {
	writer       WriteAPI
	querier      timestreamquery.QueryAPIClient
	databaseName string
	tableName    string

	// seq is seeded from the wall clock so a restarted process keeps
	// counting above the values it wrote before.
	seq atomic.Uint64
}

// NewLog creates a Log on databaseName.tableName.
func NewLog(writer WriteAPI, querier timestreamquery.QueryAPIClient, databaseName, tableName string) *Log {
	l := &Log{writer: writer, querier: querier, databaseName: databaseName, tableName: tableName}
	l.seq.Store(uint64(time.Now().UnixNano()))
	return l
}

// Initialize implements the ledger.TransactionLog interface. The database and
// table are created when missing.
func (l *Log) Initialize(ctx context.Context) error {
	if err := l.ensureDatabaseExists(ctx); err != nil {
		return fmt.Errorf("%w: failed to ensure database exists: %w", ledger.ErrStorageUnavailable, err)
	}
	if err := l.ensureTableExists(ctx); err != nil {
		return fmt.Errorf("%w: failed to ensure table exists: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements the ledger.TransactionLog interface
func (l *Log) Close() error {
	// Timestream doesn't require explicit connection closing
	return nil
}

// Append implements the ledger.TransactionLog interface
func (l *Log) Append(ctx context.Context, entry ledger.Entry) error {
	_, err := l.writer.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(l.databaseName),
		TableName:    aws.String(l.tableName),
		Records:      []types.Record{newRecord(entry, l.seq.Add(1))},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to write record: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

func newRecord(entry ledger.Entry, seq uint64) types.Record {
	return types.Record{
		Dimensions: []types.Dimension{
			{Name: aws.String(entryIDDim), Value: aws.String(uuid.New().String())},
			{Name: aws.String(seqDim), Value: aws.String(fmt.Sprintf(seqLayout, seq))},
		},
		MeasureName:      aws.String(measureName),
		MeasureValue:     aws.String(entry.Message),
		MeasureValueType: types.MeasureValueTypeVarchar,
		Time:             aws.String(strconv.FormatInt(entry.Time.UnixNano(), 10)),
		TimeUnit:         types.TimeUnitNanoseconds,
	}
}

// Export implements the ledger.TransactionLog interface
func (l *Log) Export(ctx context.Context) ([]byte, error) {
	query := fmt.Sprintf(`SELECT time, measure_value::varchar FROM "%s"."%s" WHERE measure_name = '%s' ORDER BY time ASC, %s ASC`,
		l.databaseName, l.tableName, measureName, seqDim)

	paginator := timestreamquery.NewQueryPaginator(l.querier, &timestreamquery.QueryInput{
		QueryString: aws.String(query),
	})

	var entries []ledger.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: query failed: %w", ledger.ErrStorageUnavailable, err)
		}
		for _, row := range page.Rows {
			if len(row.Data) < 2 || row.Data[0].ScalarValue == nil || row.Data[1].ScalarValue == nil {
				return nil, fmt.Errorf("%w: invalid result format", ledger.ErrStorageCorrupt)
			}
			ts, err := parseTimestreamTime(*row.Data[0].ScalarValue)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ledger.ErrStorageCorrupt, err)
			}
			entries = append(entries, ledger.Entry{Time: ts, Message: *row.Data[1].ScalarValue})
		}
	}
	return ledger.FormatLog(entries), nil
}

func (l *Log) ensureDatabaseExists(ctx context.Context) error {
	_, err := l.writer.DescribeDatabase(ctx, &timestreamwrite.DescribeDatabaseInput{
		DatabaseName: aws.String(l.databaseName),
	})
	if err == nil {
		return nil
	}
	var notFoundErr *types.ResourceNotFoundException
	if !errors.As(err, &notFoundErr) {
		return fmt.Errorf("error checking database existence: %w", err)
	}
	if _, err := l.writer.CreateDatabase(ctx, &timestreamwrite.CreateDatabaseInput{
		DatabaseName: aws.String(l.databaseName),
	}); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

func (l *Log) ensureTableExists(ctx context.Context) error {
	_, err := l.writer.DescribeTable(ctx, &timestreamwrite.DescribeTableInput{
		DatabaseName: aws.String(l.databaseName),
		TableName:    aws.String(l.tableName),
	})
	if err == nil {
		return nil
	}
	var notFoundErr *types.ResourceNotFoundException
	if !errors.As(err, &notFoundErr) {
		return fmt.Errorf("error checking table existence: %w", err)
	}
	_, err = l.writer.CreateTable(ctx, &timestreamwrite.CreateTableInput{
		DatabaseName: aws.String(l.databaseName),
		TableName:    aws.String(l.tableName),
		RetentionProperties: &types.RetentionProperties{
			MagneticStoreRetentionPeriodInDays: aws.Int64(3650),
			MemoryStoreRetentionPeriodInHours:  aws.Int64(24),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// parseTimestreamTime converts a Timestream time string to a time.Time
func parseTimestreamTime(timeStr string) (time.Time, error) {
	if nanos, err := strconv.ParseInt(timeStr, 10, 64); err == nil {
		return time.Unix(0, nanos).UTC(), nil
	}
	for _, layout := range []string{queryTimeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, timeStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse timestamp: %s", timeStr)
}
