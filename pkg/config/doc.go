// Package config loads labctl process settings and the lab catalog.
//
// # Settings
//
// LoadSettings reads the environment after loading an optional .env file
// with godotenv. Values are checked with validator struct tags:
//
//	settings, err := config.LoadSettings("")
//	if err != nil {
//	    log.Fatal().Err(err).Msg("invalid settings")
//	}
//
// Durations accept Go syntax ("90s") or whole seconds ("300").
//
// # Lab catalog
//
// Catalog reads lab configurations from a YAML, JSON or CUE file, or from
// every such file in a directory. Entries are unified with the #Lab CUE
// definition before being decoded, so unknown fields are rejected:
//
//	labs:
//	  - lab_id: k8s-101
//	    ssm_base_path: /labs/k8s-101
//	    group_names: [students]
//	    namespace_roles:
//	      - {namespace: shared, role: view}
//	    user_ns: true
//
// Watch reloads the catalog when files change. A failed reload keeps the
// previous labs.
package config
