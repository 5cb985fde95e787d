package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"safevest-cerebro/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore 直连 SafeVest 数据库（STORE_BACKEND=postgres）
// 表结构来自 Django 模型：
//
//	safevest_veste(id_veste, id_usuario_id)
//	safevest_leiturasensor(id_leitura, id_veste_id, timestamp, batimento,
//	                       "temperatura_A", "temperatura_C", nivel_co, nivel_bateria)
//	safevest_alerta(id, usuario_id, leitura_associada_id, tipo_alerta, timestamp)
//
// Veste 模型没有序列号字段，序列号取自 serialColumn（默认 id_veste）。
type PostgresStore struct {
	db          *sql.DB
	deviceQuery string
	logger      *zap.Logger
}

// NewPostgresStore 创建 Postgres 存储，serialColumn 为空时使用 id_veste
func NewPostgresStore(db *sql.DB, serialColumn string, logger *zap.Logger) *PostgresStore {
	if serialColumn == "" {
		serialColumn = "id_veste"
	}
	col := "v." + pq.QuoteIdentifier(serialColumn)

	return &PostgresStore{
		db: db,
		deviceQuery: fmt.Sprintf(`
		SELECT
			v.id_veste,
			CAST(%[1]s AS TEXT),
			v.id_usuario_id
		FROM safevest_veste v
		WHERE %[1]s IS NOT NULL
		ORDER BY v.id_veste
	`, col),
		logger: logger,
	}
}

// FetchDeviceMap 查询所有背心及其用户
func (s *PostgresStore) FetchDeviceMap(ctx context.Context) ([]models.DeviceEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.deviceQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query vests: %w", err)
	}
	defer rows.Close()

	entries := make([]models.DeviceEntry, 0)
	for rows.Next() {
		var (
			entry models.DeviceEntry
			owner sql.NullInt64
		)
		if err := rows.Scan(&entry.VestID, &entry.Serial, &owner); err != nil {
			return nil, fmt.Errorf("failed to scan vest: %w", err)
		}
		entry.Serial = strings.TrimSpace(entry.Serial)
		if entry.Serial == "" {
			continue
		}
		if owner.Valid {
			id := owner.Int64
			entry.OwnerUserID = &id
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vests: %w", err)
	}

	return entries, nil
}

// SaveReading 写入读数，返回 id_leitura
// 模型里所有测量列都是 NOT NULL，缺字段的读数会被数据库拒绝。
// 湿度没有对应的列，不写入。
func (s *PostgresStore) SaveReading(ctx context.Context, reading *models.SensorReading) (int64, error) {
	query := `
		INSERT INTO safevest_leiturasensor (
			id_veste_id, timestamp, batimento,
			"temperatura_A", "temperatura_C", nivel_co, nivel_bateria
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id_leitura
	`

	ts := reading.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var heartRate sql.NullInt64
	if reading.HeartRate != nil {
		heartRate = sql.NullInt64{Int64: int64(*reading.HeartRate), Valid: true}
	}

	// 设备只上报一个温度时两列写同一个值
	ambient := reading.AmbientTemp
	if ambient == nil {
		ambient = reading.Temperature
	}

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		reading.VestID,
		ts,
		heartRate,
		nullFloat(reading.Temperature),
		nullFloat(ambient),
		nullFloat(reading.GasLevel),
		nullFloat(reading.Battery),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}

	return id, nil
}

// SaveAlert 写入告警
func (s *PostgresStore) SaveAlert(ctx context.Context, alert *models.AlertEvent) error {
	query := `
		INSERT INTO safevest_alerta (
			usuario_id, leitura_associada_id, tipo_alerta, timestamp
		) VALUES ($1, $2, $3, $4)
	`

	createdAt := alert.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if _, err := s.db.ExecContext(ctx, query,
		alert.OwnerUserID,
		alert.ReadingID,
		string(alert.Tier),
		createdAt,
	); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
