package identity

type Role string

const (
	RoleListener Role = "listener"
	RoleSeeker   Role = "seeker"
)

// ListenerRole is the role claim that marks a volunteer listener.
const ListenerRole = "volunteer_listener"

// Participant is one verified connection identity.
type Participant struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"name"`
}

func (p Participant) IsListener() bool { return p.Role == RoleListener }
