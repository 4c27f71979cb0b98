package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS stores (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  customer_id BIGINT NULL,
  oauth_state TEXT NOT NULL UNIQUE,
  vinculated BOOLEAN NOT NULL DEFAULT FALSE,
  ml_user_id TEXT NULL,
  ml_nickname TEXT NULL,
  cut_schedule TEXT NULL,
  timezone TEXT NOT NULL DEFAULT 'America/Argentina/Buenos_Aires',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_stores_ml_user_id ON stores(ml_user_id) WHERE ml_user_id IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS store_tokens (
  store_id BIGINT PRIMARY KEY REFERENCES stores(id),
  access_token TEXT NOT NULL DEFAULT '',
  refresh_token TEXT NOT NULL DEFAULT '',
  token_type TEXT NOT NULL DEFAULT '',
  scope TEXT NOT NULL DEFAULT '',
  expires_in BIGINT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS status_mappings (
  id BIGSERIAL PRIMARY KEY,
  slug TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  ml_statuses JSONB NOT NULL DEFAULT '[]',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS routes (
  id BIGSERIAL PRIMARY KEY,
  delivery_driver_id BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS packages (
  id BIGSERIAL PRIMARY KEY,
  store_id BIGINT NOT NULL REFERENCES stores(id),
  ml_order_id TEXT NULL,
  ml_tracking_id TEXT NOT NULL DEFAULT '',
  ml_status TEXT NOT NULL DEFAULT '',
  ml_substatus TEXT NOT NULL DEFAULT '',
  voys_status TEXT NOT NULL DEFAULT '',
  ml_zip_code TEXT NOT NULL DEFAULT '',
  ml_state_name TEXT NOT NULL DEFAULT '',
  ml_city_name TEXT NOT NULL DEFAULT '',
  ml_street_name TEXT NOT NULL DEFAULT '',
  ml_street_number TEXT NOT NULL DEFAULT '',
  ml_comment TEXT NOT NULL DEFAULT '',
  ml_receiver_name TEXT NOT NULL DEFAULT '',
  ml_delivery_preference TEXT NOT NULL DEFAULT '',
  ml_latitude DOUBLE PRECISION NULL,
  ml_longitude DOUBLE PRECISION NULL,
  buyer_nickname TEXT NOT NULL DEFAULT '',
  products JSONB NULL,
  ml_order_date TIMESTAMPTZ NULL,
  first_plant_entry_at TIMESTAMPTZ NULL,
  last_plant_entry_at TIMESTAMPTZ NULL,
  assignment_date TIMESTAMPTZ NULL,
  assigned BOOLEAN NOT NULL DEFAULT FALSE,
  route_id BIGINT NULL REFERENCES routes(id) ON DELETE SET NULL,
  route_order INT NULL,
  liquidated BOOLEAN NOT NULL DEFAULT FALSE,
  settled_customer BOOLEAN NOT NULL DEFAULT FALSE,
  cleared_delivery_person BOOLEAN NOT NULL DEFAULT FALSE,
  qr_data TEXT NULL,
  shipment_label TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_packages_ml_order_id ON packages(ml_order_id) WHERE ml_order_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_packages_ml_tracking_id ON packages(ml_tracking_id) WHERE ml_tracking_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_packages_route_id ON packages(route_id)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_voys_status ON packages(voys_status)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_ml_order_date ON packages(ml_order_date)`,
		`
CREATE TABLE IF NOT EXISTS package_history (
  id BIGSERIAL PRIMARY KEY,
  package_id BIGINT NOT NULL REFERENCES packages(id),
  route_id BIGINT NULL,
  actor TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT '',
  comment TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_package_history_package_id_created_at ON package_history(package_id, created_at DESC)`,
		// Default internal vocabulary; mapping lists stay editable at runtime.
		`
INSERT INTO status_mappings (slug, name, ml_statuses) VALUES
  ('en_camino', 'En camino', '["shipped", "ready_to_ship"]'),
  ('en_planta', 'En planta', '["handling"]'),
  ('entregado', 'Entregado', '["delivered"]')
ON CONFLICT (slug) DO NOTHING`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
