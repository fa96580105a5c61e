package main

import "errors"

type Config struct {
	DBPath  string
	TopicID string
	Model   string
	Window  int
	DryRun  bool
	Pretty  bool
	APIKey  string
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.TopicID == "" {
		return errors.New("missing -topic")
	}
	if c.Window < 0 {
		return errors.New("window must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath: "chat.db",
		Model:  "gpt-oss-20b",
	}
}
