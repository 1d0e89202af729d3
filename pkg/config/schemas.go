package config

// directorSchema is unified with every configuration file. Definitions are
// closed, so unknown fields are rejected. Defaults fill anything left out.
const directorSchema = `
#Repository: {
	// Location is a repository document path or file:// URI
	location: string & !=""

	nickname: string | *""
	enabled:  bool | *true
}

#Remote: {
	host: string & !=""
	port: int & >0 & <65536 | *22
	user: string & !=""

	// KeyFile is the private key; empty uses ~/.ssh/id_ed25519 or id_rsa
	keyFile:               string | *""
	knownHosts:            string | *""
	strictHostKeyChecking: bool | *true
	backupDir:             string | *"/var/tmp/director-backup"
}

#Director: {
	dataDir: string & !="" | *".director"

	// InstallDir is the root the native touchpoint installs into
	installDir: string & !="" | *"."

	// Database is the SQLite registry path; empty means <dataDir>/director.db
	database: string | *""

	profile: string & =~"^[A-Za-z0-9._-]+$" | *"default"

	environment: {[string]: string}

	repositories: [...#Repository]

	dropins: string | *""

	policies: [...string]

	planner: {
		keepOptional: bool | *false
	}

	logging: {
		level:  *"info" | "trace" | "debug" | "warn" | "error"
		format: *"console" | "json"
	}

	metrics: {
		enabled: bool | *false
		listen:  string | *":9090"
	}

	tracing: {
		enabled:  bool | *false
		exporter: *"stdout" | "otlp" | "none"
		endpoint: string | *""
	}

	touchpoints: {
		scripts: string | *""

		wasm: {
			manifests: [...string]
		}

		remote?: #Remote
	}
}
`
