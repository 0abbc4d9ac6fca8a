package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ReadDotEnv parses a .env file into a map. It accepts
//
//	KEY=VALUE          # trailing comment
//	export KEY=VALUE
//	KEY="two words ${OTHER}"
//	KEY='literal ${NOT_EXPANDED}'
//
// Unquoted and double-quoted values expand $VAR and ${VAR} from keys read
// earlier in the file, then from the process environment. Lines without a
// key are skipped.
func ReadDotEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vars := map[string]string{}
	lookup := func(k string) string {
		if v, ok := vars[k]; ok {
			return v
		}
		return os.Getenv(k)
	}
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text(), lookup)
		if ok {
			vars[key] = val
		}
	}
	return vars, s.Err()
}

func parseDotEnvLine(line string, lookup func(string) string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	switch {
	case len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'':
		return key, val[1 : len(val)-1], true
	case len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"':
		val = val[1 : len(val)-1]
	default:
		if i := strings.Index(val, " #"); i >= 0 {
			val = strings.TrimSpace(val[:i])
		}
	}
	return key, os.Expand(val, lookup), true
}

// LoadDotEnv copies a .env file into the process environment. Variables
// already set win unless override is true.
func LoadDotEnv(path string, override bool) error {
	vars, err := ReadDotEnv(path)
	if err != nil {
		return err
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set && !override {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadDotEnvDefault loads .env from the working directory, then from the
// binary's directory, ignoring missing files and never overriding.
func LoadDotEnvDefault() {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, d := range dirs {
		p := filepath.Join(d, ".env")
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			_ = LoadDotEnv(p, false)
		}
	}
}
