package roadspeed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const defaultSinkBatch = 200

// PostgresSink stores exported rows in <schema>.segment_speeds
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
	batch  int
}

// NewPostgresSink connects to database
func NewPostgresSink(ctx context.Context, dsn, schema string, maxConns int) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "Can't parse DSN")
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "Can't connect to PostgreSQL")
	}
	if schema == "" {
		schema = "public"
	}
	return &PostgresSink{
		pool:   pool,
		schema: schema,
		batch:  defaultSinkBatch,
	}, nil
}

// Close releases connections
func (sink *PostgresSink) Close() {
	sink.pool.Close()
}

func (sink *PostgresSink) table() string {
	return fmt.Sprintf(`"%s".segment_speeds`, sink.schema)
}

// EnsureTable creates target table when it does not exist
func (sink *PostgresSink) EnsureTable(ctx context.Context) error {
	_, err := sink.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+sink.table()+` (
		road_id BIGINT NOT NULL,
		time_window TEXT NOT NULL,
		avg_speed_kmh DOUBLE PRECISION NOT NULL,
		quality_flag TEXT NOT NULL,
		observations INTEGER NOT NULL,
		fallback_observations INTEGER NOT NULL,
		osm_way_id BIGINT,
		name TEXT,
		road_type TEXT,
		oneway BOOLEAN,
		length_m DOUBLE PRECISION,
		speed_limit DOUBLE PRECISION,
		geom_wkt TEXT,
		PRIMARY KEY (road_id, time_window)
	)`)
	if err != nil {
		return errors.Wrap(err, "Can't create table")
	}
	return nil
}

// Write upserts rows in batches. Returns number of affected rows
func (sink *PostgresSink) Write(ctx context.Context, rows []ExportRow) (int, error) {
	total := 0
	for i := 0; i < len(rows); i += sink.batch {
		j := i + sink.batch
		if j > len(rows) {
			j = len(rows)
		}
		b := &pgx.Batch{}
		for _, row := range rows[i:j] {
			var speedLimit *float64
			if row.SpeedLimit > 0 {
				limit := row.SpeedLimit
				speedLimit = &limit
			}
			b.Queue(
				`INSERT INTO `+sink.table()+`
				(road_id, time_window, avg_speed_kmh, quality_flag, observations, fallback_observations,
				 osm_way_id, name, road_type, oneway, length_m, speed_limit, geom_wkt)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
				ON CONFLICT (road_id, time_window) DO UPDATE SET
				 avg_speed_kmh = EXCLUDED.avg_speed_kmh,
				 quality_flag = EXCLUDED.quality_flag,
				 observations = EXCLUDED.observations,
				 fallback_observations = EXCLUDED.fallback_observations`,
				int64(row.RoadID), row.TimeWindow.String(), row.AvgSpeedKmh, row.QualityFlag.String(), row.Observations, row.FallbackObservations,
				row.OSMWayID, row.Name, row.RoadType, row.Oneway, row.LengthMeters, speedLimit, PrepareWKTLinestring(row.Geom),
			)
		}
		br := sink.pool.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, errors.Wrap(err, "Can't upsert row")
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, errors.Wrap(err, "Can't finish batch")
		}
	}
	return total, nil
}
