package model

// User is an account known to the directory.
type User struct {
	ID        string   `yaml:"id"        json:"id"`
	Username  string   `yaml:"username"  json:"username"`
	FullName  string   `yaml:"full_name" json:"full_name,omitempty"`
	Email     string   `yaml:"email"     json:"email,omitempty"`
	Superuser bool     `yaml:"superuser" json:"superuser"`
	Active    bool     `yaml:"active"    json:"active"`
	Profile   *Profile `yaml:"profile"   json:"profile,omitempty"`
}

// Profile attaches a user to a sector.
type Profile struct {
	Sector Sector `yaml:"sector" json:"sector"`
	Phone  string `yaml:"phone"  json:"phone,omitempty"`
	Active bool   `yaml:"active" json:"active"`
}

// DisplayName returns the full name, falling back to the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Sector returns the user's sector and whether one could be resolved. Users
// without a profile have no sector.
func (u User) Sector() (Sector, bool) {
	if u.Profile == nil || u.Profile.Sector == "" {
		return "", false
	}
	return u.Profile.Sector, true
}
