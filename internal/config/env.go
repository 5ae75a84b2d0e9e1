package config

import (
	"os"
	"sort"

	"github.com/joho/godotenv"
)

// LoadEnv reads a dotenv file into sorted KEY=VALUE pairs. A missing file
// yields nil.
func LoadEnv(path string) ([]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}
