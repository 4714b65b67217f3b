//go:generate go run ./internal/tools/versiongen -html httpapi/assets/demo.html

package waypoint
