package dm

// DefaultAvatarColor is used when no profile row is available.
const DefaultAvatarColor = "linear-gradient(135deg,#E8845A,#C4624A)"

// Profile is the public summary of an actor.
type Profile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Handle      string `json:"handle"`
	Initials    string `json:"initials"`
	AvatarColor string `json:"avatarColor"`
	Status      string `json:"status"`
	Verified    bool   `json:"verified"`
}

// UnknownProfile is substituted when a profile lookup fails.
func UnknownProfile(id string) Profile {
	return Profile{
		ID:          id,
		Name:        "Unknown",
		Handle:      "@unknown",
		Initials:    "??",
		AvatarColor: DefaultAvatarColor,
		Status:      "offline",
	}
}

// SelfProfile is attached to provisional messages authored locally.
func SelfProfile(id string) Profile {
	p := UnknownProfile(id)
	p.Name = "You"
	return p
}

// IsPlaceholder reports whether the profile came from UnknownProfile.
func (p Profile) IsPlaceholder() bool {
	return p.Name == "Unknown" && p.Handle == "@unknown"
}
