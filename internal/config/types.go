package config

// AppSection is the `[app]` section of the persisted workspace document.
type AppSection struct {
	Version string `toml:"version"`
}

// UISection is the `[ui]` section.
type UISection struct {
	Theme          string `toml:"theme"`
	ToastDismissMs int    `toml:"toast_dismiss_ms"`
}

// Dimensions is a docked-panel size in pixels, the `[workspace.docked_*_dimensions]` sub-tables.
type Dimensions struct {
	Width  float64 `toml:"width"`
	Height float64 `toml:"height"`
}

// SelectedVariableDoc is one `[[workspace.selected_variables]]` record.
type SelectedVariableDoc struct {
	UniqueID  string `toml:"unique_id"`
	Formatter string `toml:"formatter"`
}

// WorkspaceSection is the `[workspace]` section, including its nested
// dimension tables and the selected_variables array of tables.
type WorkspaceSection struct {
	OpenedFiles                  []string              `toml:"opened_files"`
	DockMode                     string                `toml:"dock_mode"`
	ExpandedScopes               []string              `toml:"expanded_scopes"`
	SelectedScopeID              string                `toml:"selected_scope_id,omitempty"`
	LoadFilesExpandedDirectories []string              `toml:"load_files_expanded_directories"`
	LoadFilesScrollPosition      int                   `toml:"load_files_scroll_position"`
	DockedRightDimensions        Dimensions            `toml:"docked_right_dimensions"`
	DockedBottomDimensions       Dimensions            `toml:"docked_bottom_dimensions"`
	SelectedVariables            []SelectedVariableDoc `toml:"selected_variables"`
}

// Workspace is the full persisted document: the engine's seed state at
// startup and the shape it hands back to
// request_persist after every user-facing mutation.
type Workspace struct {
	App       AppSection       `toml:"app"`
	UI        UISection        `toml:"ui"`
	Workspace WorkspaceSection `toml:"workspace"`
}

// defaultWorkspace returns the documented fallback for a missing or
// partially-populated document: missing required keys fall back to
// these defaults.
func defaultWorkspace() Workspace {
	return Workspace{
		App: AppSection{Version: "0"},
		UI: UISection{
			Theme:          "dark",
			ToastDismissMs: 4000,
		},
		Workspace: WorkspaceSection{
			DockMode:                "right",
			LoadFilesScrollPosition: 0,
		},
	}
}

// EventKind identifies which facet of the Workspace a change-stream
// Event reports, so subscribers can react to fine-grained changes.
type EventKind int

const (
	FilesChanged EventKind = iota
	SelectedVariablesChanged
	ScopeChanged
	DockChanged
	LoadFilesUIChanged
	CursorChanged
	VisibleRangeChanged
	ConfigReloaded
)

func (k EventKind) String() string {
	switch k {
	case FilesChanged:
		return "FilesChanged"
	case SelectedVariablesChanged:
		return "SelectedVariablesChanged"
	case ScopeChanged:
		return "ScopeChanged"
	case DockChanged:
		return "DockChanged"
	case LoadFilesUIChanged:
		return "LoadFilesUIChanged"
	case CursorChanged:
		return "CursorChanged"
	case VisibleRangeChanged:
		return "VisibleRangeChanged"
	case ConfigReloaded:
		return "ConfigReloaded"
	default:
		return "Unknown"
	}
}

// Event is one entry of the Config Bridge's change stream.
type Event struct {
	Kind      EventKind
	Workspace Workspace
}
