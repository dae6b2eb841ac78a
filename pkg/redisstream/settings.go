package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	// OutputBuffer sizes the in-memory channel used when Redis is disabled.
	OutputBuffer int64 `mapstructure:"output_buffer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:         "localhost:6379",
		Group:        "chatrelay",
		Consumer:     "relay-1",
		OutputBuffer: 256,
	}
}
