// Package skills loads the skill catalog and picks the skills relevant to a
// prompt. Selection is deterministic; an optional Ranker may reorder the
// candidate pool.
package skills

// Frontmatter is the YAML header of a skill document as written on disk.
type Frontmatter struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Tags         []string `yaml:"tags"`
	Triggers     []string `yaml:"triggers"`
	AllowedTools []string `yaml:"allowed_tools"`
	RiskLevel    string   `yaml:"risk_level"`
	Version      string   `yaml:"version"`
	Enabled      *bool    `yaml:"enabled"`
}

// Meta is the normalized skill metadata.
type Meta struct {
	Name         string
	Description  string
	Tags         []string
	Triggers     []string
	AllowedTools []string
	RiskLevel    string
	Version      string
	Enabled      bool
}

// Doc is one loaded skill: metadata plus the markdown body.
type Doc struct {
	Meta         Meta
	Body         string
	SourcePath   string
	AlwaysActive bool
}

// ActiveSet is the outcome of selection for one run.
type ActiveSet struct {
	Selected      []Doc
	SelectedNames []string
	AllowedTools  []string
}
