package models

import (
	"encoding/json"
	"time"
)

/*
   Column                 | Type                     | Nullable | Default
------------------------+--------------------------+----------+---------
 name                   | character varying(128)   | not null |
 version                | character varying(64)    | not null |
 display_name           | character varying(256)   |          |
 description            | character varying(1024)  |          |
 status                 | character varying(16)    | not null | 'draft'
 requires_subscription  | boolean                  | not null | false
 dependencies           | jsonb                    |          |
 config_schema          | jsonb                    |          |
 config_defaults        | jsonb                    |          |
 deprecation_reason     | character varying(1024)  |          |
 created_at             | timestamptz              | not null | now()
 published_at           | timestamptz              |          |
 deprecated_at          | timestamptz              |          |
*/

type ModuleStatus string

const (
	ModuleStatusDraft      ModuleStatus = "draft"
	ModuleStatusPublished  ModuleStatus = "published"
	ModuleStatusDeprecated ModuleStatus = "deprecated"
)

// Dependency is one declared edge of a module's dependency graph.
// Declaration order is significant: the resolver breaks topological ties in
// declaration order.
type Dependency struct {
	Module       string `json:"module"`
	VersionRange string `json:"versionRange"`
	Required     bool   `json:"required"`
}

// Module is a catalog entry describing an installable feature package.
// Once published, (name, version) is immutable.
type Module struct {
	Name                 string          `db:"name"`
	Version              string          `db:"version"`
	DisplayName          string          `db:"display_name"`
	Description          string          `db:"description"`
	Status               ModuleStatus    `db:"status"`
	RequiresSubscription bool            `db:"requires_subscription"`
	Dependencies         []Dependency    `db:"dependencies"`
	ConfigSchema         json.RawMessage `db:"config_schema"`
	ConfigDefaults       json.RawMessage `db:"config_defaults"`
	DeprecationReason    string          `db:"deprecation_reason"`
	CreatedAt            time.Time       `db:"created_at"`
	PublishedAt          *time.Time      `db:"published_at"`
	DeprecatedAt         *time.Time      `db:"deprecated_at"`
}
