package main

import (
	"errors"
	"strings"
)

type Config struct {
	DBPath          string
	ConversationID  string
	UserMessage     string
	ActiveTopicID   string
	ManualTopicIDs  []string
	ModelPreference string
	Budget          int
	RouterModel     string
	NoLLM           bool
	Pretty          bool
	APIKey          string
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.ConversationID == "" {
		return errors.New("missing -conversation")
	}
	if c.UserMessage == "" {
		return errors.New("missing -message")
	}
	if c.Budget < 0 {
		return errors.New("budget must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:      "chat.db",
		RouterModel: "gpt-oss-20b",
	}
}

func splitIDs(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
