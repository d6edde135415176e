// Package sqlaudit 提供基于 database/sql 的审计记录存储。
//
// 记录以行级结构落库，字段变更与元数据序列化为 JSON 列。
// 驱动由调用方空导入注册（例如测试层 `_ "modernc.org/sqlite"`）。
package sqlaudit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gotrack/audit"
	"gotrack/errors"
	"gotrack/logging"
)

// StoredRecord 落库后的审计记录行。
// 元数据以原始 JSON 返回，不反解为类型化的元数据袋。
type StoredRecord struct {
	ID          int64
	EntityType  string
	EntityID    string
	Kind        audit.Kind
	Username    *string
	Timestamp   time.Time
	OperationID string
	Metadata    json.RawMessage
	Changes     []audit.FieldChange
}

// Store 审计记录的 SQL 存储实现
type Store struct {
	db        *sql.DB
	tableName string
	logger    logging.Logger
}

// NewStore 创建审计记录存储
//
// 参数：
//   - db: 已打开的数据库连接
//   - tableName: 表名（默认 "audit_records"）
func NewStore(db *sql.DB, tableName string) *Store {
	if tableName == "" {
		tableName = "audit_records"
	}
	return &Store{
		db:        db,
		tableName: tableName,
		logger:    logging.GetLogger(),
	}
}

// WithLogger 替换默认日志器
func (s *Store) WithLogger(logger logging.Logger) *Store {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Init 创建审计记录表（幂等）
func (s *Store) Init(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			username TEXT,
			recorded_at TIMESTAMP NOT NULL,
			operation_id TEXT NOT NULL,
			metadata TEXT,
			changes TEXT NOT NULL
		)`, s.tableName)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "创建审计记录表失败")
	}

	index := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_entity ON %s (entity_type, entity_id)",
		s.tableName, s.tableName,
	)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "创建审计记录索引失败")
	}
	return nil
}

// SaveRecords 在同一事务中保存一批审计记录
func (s *Store) SaveRecords(ctx context.Context, records ...*audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error(ctx, "开始事务失败", logging.Error(err))
		return errors.WrapError(err, errors.ErrCodeDatabase, "开始审计记录事务失败")
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`
		INSERT INTO %s (id, entity_type, entity_id, kind, username, recorded_at, operation_id, metadata, changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)

	for _, record := range records {
		changes, err := json.Marshal(record.Changes)
		if err != nil {
			return errors.WrapError(err, errors.ErrCodeDatabase,
				fmt.Sprintf("序列化记录 %d 的字段变更失败", record.ID))
		}

		var metadata any
		if record.Metadata != nil && record.Metadata.Len() > 0 {
			data, err := json.Marshal(record.Metadata)
			if err != nil {
				return errors.WrapError(err, errors.ErrCodeDatabase,
					fmt.Sprintf("序列化记录 %d 的元数据失败", record.ID))
			}
			metadata = string(data)
		}

		var username any
		if record.Username != nil {
			username = *record.Username
		}

		_, err = tx.ExecContext(ctx, insert,
			record.ID,
			record.EntityType,
			record.EntityID,
			string(record.Kind),
			username,
			record.Timestamp.UTC().Format(time.RFC3339Nano),
			record.OperationID,
			metadata,
			string(changes),
		)
		if err != nil {
			s.logger.Warn(ctx, "写入审计记录失败",
				logging.Int64("record_id", record.ID),
				logging.String("entity_type", record.EntityType),
				logging.Error(err))
			return errors.WrapError(err, errors.ErrCodeDatabase, "写入审计记录失败")
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error(ctx, "提交事务失败", logging.Error(err))
		return errors.WrapError(err, errors.ErrCodeDatabase, "提交审计记录事务失败")
	}

	s.logger.Debug(ctx, "审计记录已落库", logging.Int("record_count", len(records)))
	return nil
}

// ListByEntity 按实体查询审计记录，按记录时间升序返回
func (s *Store) ListByEntity(ctx context.Context, entityType, entityID string) ([]StoredRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, entity_type, entity_id, kind, username, recorded_at, operation_id, metadata, changes
		FROM %s WHERE entity_type = ? AND entity_id = ?
		ORDER BY recorded_at ASC, id ASC`, s.tableName)
	return s.list(ctx, query, entityType, entityID)
}

// ListByOperation 按保存操作标识查询审计记录
func (s *Store) ListByOperation(ctx context.Context, operationID string) ([]StoredRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, entity_type, entity_id, kind, username, recorded_at, operation_id, metadata, changes
		FROM %s WHERE operation_id = ?
		ORDER BY recorded_at ASC, id ASC`, s.tableName)
	return s.list(ctx, query, operationID)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "查询审计记录失败")
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeDatabase, "解析审计记录行失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "遍历审计记录失败")
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (StoredRecord, error) {
	var (
		record     StoredRecord
		kind       string
		username   sql.NullString
		recordedAt string
		metadata   sql.NullString
		changes    string
	)
	err := rows.Scan(
		&record.ID,
		&record.EntityType,
		&record.EntityID,
		&kind,
		&username,
		&recordedAt,
		&record.OperationID,
		&metadata,
		&changes,
	)
	if err != nil {
		return StoredRecord{}, err
	}

	record.Kind = audit.Kind(kind)
	if username.Valid {
		u := username.String
		record.Username = &u
	}
	record.Timestamp, err = time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	if metadata.Valid {
		record.Metadata = json.RawMessage(metadata.String)
	}
	if err := json.Unmarshal([]byte(changes), &record.Changes); err != nil {
		return StoredRecord{}, fmt.Errorf("parse changes: %w", err)
	}
	return record, nil
}
