package env

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv reads .env files into the process environment. Variables already
// set win. A missing file is not an error.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		log.Println("No .env file found, assuming environment variables are set directly.")
	}
}

// Lookup is the source of variables; os.LookupEnv in production.
type Lookup func(key string) (string, bool)

// getter accumulates the first parse error so callers can read a whole
// config and check once.
type getter struct {
	lookup Lookup
	err    error
}

func (g *getter) str(key, def string) string {
	if v, ok := g.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (g *getter) integer(key string, def int) int {
	v, ok := g.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		g.fail(key, v, err)
		return def
	}
	return n
}

func (g *getter) boolean(key string, def bool) bool {
	v, ok := g.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		g.fail(key, v, err)
		return def
	}
	return b
}

func (g *getter) duration(key string, def time.Duration) time.Duration {
	v, ok := g.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		g.fail(key, v, err)
		return def
	}
	if d < 0 {
		g.fail(key, v, fmt.Errorf("must not be negative"))
		return def
	}
	return d
}

func (g *getter) fail(key, value string, err error) {
	if g.err == nil {
		g.err = fmt.Errorf("env %s=%q: %w", key, value, err)
	}
}
