package modcommon

// Resource kinds accepted by the catalog.
const (
	ModuleKind = "Module"
)

// Schema versions.
const (
	VersionV1 = "v1"
)
