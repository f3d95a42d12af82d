package config

import "time"

// SafeSettings is the externally visible settings view. Only allowlisted
// operational fields are exposed; TLS paths, credentials, endpoints, token
// env names, router-id and file locations never leave the process.
type SafeSettings struct {
	POP                             string `json:"pop"`
	Mode                            Mode   `json:"mode"`
	BGPMode                         string `json:"bgp_mode"`
	PeerCount                       int    `json:"peer_count"`
	StorageBackend                  string `json:"storage_backend"`
	MinTTLSeconds                   int    `json:"min_ttl_seconds"`
	MaxTTLSeconds                   int    `json:"max_ttl_seconds"`
	ReconcileIntervalSeconds        int    `json:"reconcile_interval_seconds"`
	MaxPorts                        int    `json:"max_ports"`
	MaxPerCustomer                  int    `json:"max_per_customer"`
	MaxPerPOP                       int    `json:"max_per_pop"`
	MaxGlobal                       int    `json:"max_global"`
	AllowUnknownAssets              bool   `json:"allow_unknown_assets"`
	AuthMode                        AuthMode `json:"auth_mode"`
	PreserveAnnouncementsOnShutdown bool   `json:"preserve_announcements_on_shutdown"`
	LoadedAt                        time.Time `json:"loaded_at"`
}

// Sanitize projects a snapshot onto the allowlisted view.
func Sanitize(snap *Snapshot) SafeSettings {
	s := snap.Settings
	return SafeSettings{
		POP:                             s.POP,
		Mode:                            s.Mode,
		BGPMode:                         s.BGP.Mode,
		PeerCount:                       len(s.BGP.Peers),
		StorageBackend:                  s.Storage.Backend,
		MinTTLSeconds:                   s.Timers.MinTTLSeconds,
		MaxTTLSeconds:                   s.Timers.MaxTTLSeconds,
		ReconcileIntervalSeconds:        s.Timers.ReconcileIntervalSeconds,
		MaxPorts:                        s.Guardrails.MaxPorts,
		MaxPerCustomer:                  s.Guardrails.MaxPerCustomer,
		MaxPerPOP:                       s.Guardrails.MaxPerPOP,
		MaxGlobal:                       s.Guardrails.MaxGlobal,
		AllowUnknownAssets:              s.Guardrails.AllowUnknownAssets,
		AuthMode:                        s.Auth.Mode,
		PreserveAnnouncementsOnShutdown: s.PreserveAnnouncementsOnShutdown,
		LoadedAt:                        snap.LoadedAt,
	}
}
