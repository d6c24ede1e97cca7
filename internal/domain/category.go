package domain

// Category is a class of remote log file tailed independently
type Category string

const (
	CategoryChat     Category = "chat"
	CategoryLogin    Category = "login"
	CategoryKill     Category = "kill"
	CategoryGameplay Category = "gameplay"
	CategoryEconomy  Category = "economy"
)

// String implements fmt.Stringer
func (c Category) String() string {
	return string(c)
}
