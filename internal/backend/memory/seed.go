package memory

import "github.com/orbitthread/dmsync/internal/model/dm"

// SeedProfiles provides the demo actors used by local runs of the memory backend.
func SeedProfiles() []dm.Profile {
	return []dm.Profile{
		{
			ID:          "8d3c1f5e-2b7a-4c1e-9f43-6a0e5b2d7c11",
			Name:        "Maya Chen",
			Handle:      "@maya",
			Initials:    "MC",
			AvatarColor: "linear-gradient(135deg,#5A9BE8,#3A6FC4)",
			Status:      "online",
			Verified:    true,
		},
		{
			ID:          "1f7e9b42-6c3d-4a58-8e21-b5d04c9a3f67",
			Name:        "Jonas Berg",
			Handle:      "@jonas",
			Initials:    "JB",
			AvatarColor: "linear-gradient(135deg,#6AD1A3,#3FA07A)",
			Status:      "away",
		},
		{
			ID:          "c42a8e10-93f6-4b7d-a1c5-2e8f6d0b9a34",
			Name:        "Priya Natarajan",
			Handle:      "@priya",
			Initials:    "PN",
			AvatarColor: dm.DefaultAvatarColor,
			Status:      "offline",
		},
	}
}
