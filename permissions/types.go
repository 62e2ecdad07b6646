package permissions

// Platform identifies a connected messaging channel. The set is closed:
// adding a platform means adding a constant here and wiring its intake.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformGmail     Platform = "gmail"
)

// AllPlatforms returns the platforms in declaration order. Resolution output
// follows this order so responses are deterministic.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformFacebook,
		PlatformInstagram,
		PlatformWhatsApp,
		PlatformGmail,
	}
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformFacebook, PlatformInstagram, PlatformWhatsApp, PlatformGmail:
		return true
	}
	return false
}

// Level is the access level a grant confers on a platform.
type Level string

const (
	LevelViewOnly      Level = "view_only"
	LevelViewAndAnswer Level = "view_and_answer"
)

func (l Level) Valid() bool {
	return l == LevelViewOnly || l == LevelViewAndAnswer
}

func (l Level) rank() int {
	switch l {
	case LevelViewOnly:
		return 1
	case LevelViewAndAnswer:
		return 2
	}
	return 0
}

// MorePermissiveThan reports whether l outranks other. Used to pick the most
// generous grant among a user's teams.
func (l Level) MorePermissiveThan(other Level) bool {
	return l.rank() > other.rank()
}

// Covers reports whether l satisfies a required level.
func (l Level) Covers(required Level) bool {
	return l.rank() >= required.rank()
}

// Scope names the kind of entity a permission record targets.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeTeam Scope = "team"
	ScopeRole Scope = "role"
)

func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeTeam || s == ScopeRole
}

// Grant is a single platform entry inside a permission record. A denied grant
// at user scope blocks access outright; at team or role scope it simply
// contributes nothing.
type Grant struct {
	Platform Platform `json:"platform" validate:"required"`
	Level    Level    `json:"level" validate:"required"`
	Denied   bool     `json:"denied"`
}

// Record is a permission record as seen by the resolver: already filtered to
// active, non-deleted rows by the store.
type Record struct {
	Scope    Scope
	TargetID string
	Grants   []Grant
}

// Source is the tier a resolved permission came from.
type Source string

const (
	SourceIndividual Source = "individual"
	SourceTeam       Source = "team"
	SourceRole       Source = "role"
)

// ResolvedPermission is the effective outcome for one (user, platform) pair.
// Platforms with no applicable grant produce no ResolvedPermission at all;
// absence means "no access", which is distinct from an explicit denial.
type ResolvedPermission struct {
	Platform Platform `json:"platform"`
	Level    Level    `json:"level"`
	Denied   bool     `json:"denied"`
	Source   Source   `json:"source"`
}

// UserContext is the already-authenticated caller identity resolution runs
// against. Any of the fields may be empty; an empty field just means that
// tier has no key to look up.
type UserContext struct {
	UserID  string   `json:"user_id"`
	TeamIDs []string `json:"team_ids"`
	Role    string   `json:"role"`
}
