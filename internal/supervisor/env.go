package supervisor

import (
	"sort"
	"strconv"

	"github.com/ChuLiYu/fleet/pkg/types"
)

// ServerEnv is the environment shared by every role of one server.
type ServerEnv struct {
	ServerID         string
	InternalPassword string
	DatabaseURL      string
	ExternalURL      string
}

// PortVar is the environment variable carrying the listen port of role.
func PortVar(role types.Role) string {
	switch role {
	case types.RoleWeb:
		return "PORT"
	case types.RoleStudio:
		return "STUDIO_PORT"
	case types.RoleMessaging:
		return "MESSAGING_PORT"
	case types.RoleNLU:
		return "NLU_PORT"
	case types.RoleActionServer:
		return "ACTION_SERVER_PORT"
	}
	return ""
}

// roleEnv builds the variables the supervisor hands to a role process:
// server identity, role identity, peer ports and launch parameters.
// Launch parameters win over everything else.
func roleEnv(server ServerEnv, key types.ProcessKey, peers []types.ProcessEntry, params map[string]string) map[string]string {
	env := map[string]string{
		"SERVER_ID":         server.ServerID,
		"INTERNAL_PASSWORD": server.InternalPassword,
		"ROLE":              string(key.Role),
	}
	if key.Instance != "" {
		env["INSTANCE"] = key.Instance
	}
	if server.DatabaseURL != "" {
		env["DATABASE_URL"] = server.DatabaseURL
	}
	if server.ExternalURL != "" {
		env["EXTERNAL_URL"] = server.ExternalURL
	}
	for _, p := range peers {
		// several action servers may run; only singleton ports are exported
		if p.Key == key || !p.Alive || !p.Key.Role.Singleton() {
			continue
		}
		if v := PortVar(p.Key.Role); v != "" && p.Port > 0 {
			env[v] = strconv.Itoa(p.Port)
		}
	}
	for k, v := range params {
		env[k] = v
	}
	return env
}

// environ flattens maps into KEY=VALUE pairs. Later maps override earlier ones.
func environ(layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
