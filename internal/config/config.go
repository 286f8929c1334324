package config

const envPrefix = ""

// Environment holds the runtime environment of the binary.
type Environment struct {
	Env string `envconfig:"ENV" default:"development"`
}
