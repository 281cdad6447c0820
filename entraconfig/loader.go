package entraconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"
)

// Loader loads Settings from a source.
type Loader interface {
	Load(ctx context.Context) (*Settings, error)
}

// goLoader returns static settings.
type goLoader struct {
	s Settings
}

// FromGo creates a Loader that returns the provided settings directly.
func FromGo(s Settings) Loader {
	return &goLoader{s: s}
}

func (l *goLoader) Load(_ context.Context) (*Settings, error) {
	s := l.s
	s.setDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ForPath picks a file loader by extension: .json, .yaml, .yml or .lua.
func ForPath(path string) (Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FromJSONFile(path), nil
	case ".yaml", ".yml":
		return FromYAMLFile(path), nil
	case ".lua":
		return FromLuaFile(path), nil
	default:
		return nil, fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
}

type jsonLoader struct {
	path string
}

// FromJSONFile creates a Loader that reads settings from a JSON file.
func FromJSONFile(path string) Loader {
	return &jsonLoader{path: path}
}

func (l *jsonLoader) Load(_ context.Context) (*Settings, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read json config: %w", err)
	}
	var rs rawSettings
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return rs.toSettings()
}

type yamlLoader struct {
	path string
}

// FromYAMLFile creates a Loader that reads settings from a YAML file.
func FromYAMLFile(path string) Loader {
	return &yamlLoader{path: path}
}

func (l *yamlLoader) Load(_ context.Context) (*Settings, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read yaml config: %w", err)
	}
	var rs rawSettings
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return rs.toSettings()
}

// Environment variable names read by FromEnv.
const (
	EnvTenantID     = "TENANT_ID"
	EnvClientID     = "CLIENT_ID"
	EnvAudience     = "API_AUDIENCE"
	EnvAuthority    = "AZURE_AD_AUTHORITY"
	EnvCacheTTL     = "TOKEN_CACHE_TTL"
	EnvMaxTokenAge  = "MAX_TOKEN_AGE"
	EnvFetchTimeout = "JWKS_FETCH_TIMEOUT"
	EnvCacheBackend = "CACHE_BACKEND"
	EnvDebug        = "DEBUG"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFormat    = "LOG_FORMAT"
	EnvCORSOrigins  = "CORS_ORIGINS"
	EnvHTTPAddr     = "HTTP_ADDR"

	// EnvClaimsPolicyFile names a Lua claims policy script to load.
	EnvClaimsPolicyFile = "CLAIMS_POLICY_FILE"
)

// DefaultEnvFile is the dotenv file FromEnv reads when given "".
const DefaultEnvFile = ".env.backend"

type envLoader struct {
	file string
}

// FromEnv creates a Loader that reads process environment variables after
// loading file with godotenv. A missing file is not an error, and variables
// already set in the environment win over the file.
func FromEnv(file string) Loader {
	if file == "" {
		file = DefaultEnvFile
	}
	return &envLoader{file: file}
}

func (l *envLoader) Load(_ context.Context) (*Settings, error) {
	if err := godotenv.Load(l.file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", l.file, err)
	}

	rs := rawSettings{
		TenantID:     os.Getenv(EnvTenantID),
		ClientID:     os.Getenv(EnvClientID),
		Audience:     os.Getenv(EnvAudience),
		Authority:    os.Getenv(EnvAuthority),
		CacheBackend: strings.ToLower(os.Getenv(EnvCacheBackend)),
		Server: rawServer{
			Addr:        os.Getenv(EnvHTTPAddr),
			CORSOrigins: splitList(os.Getenv(EnvCORSOrigins)),
		},
		Log: rawLog{
			Level:  os.Getenv(EnvLogLevel),
			Format: os.Getenv(EnvLogFormat),
		},
	}

	var err error
	if rs.TokenCacheTTLSec, err = getEnvAsInt(EnvCacheTTL); err != nil {
		return nil, err
	}
	if rs.MaxTokenAgeSec, err = getEnvAsInt(EnvMaxTokenAge); err != nil {
		return nil, err
	}
	if rs.FetchTimeoutSec, err = getEnvAsInt(EnvFetchTimeout); err != nil {
		return nil, err
	}
	if rs.Server.Debug, err = getEnvAsBool(EnvDebug); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(os.Getenv(EnvClaimsPolicyFile)); path != "" {
		script, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read claims policy: %w", err)
		}
		rs.ClaimsPolicy = string(script)
	}
	return rs.toSettings()
}

func getEnvAsInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer number of seconds: %w", key, err)
	}
	return n, nil
}

func getEnvAsBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// luaLoader loads settings from a Lua file.
type luaLoader struct {
	path string
}

// FromLuaFile creates a Loader that reads settings from a Lua file.
func FromLuaFile(path string) Loader {
	return &luaLoader{path: path}
}

func (l *luaLoader) Load(_ context.Context) (*Settings, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read lua config file: %w", err)
	}
	return LoadLuaString(string(data))
}

// LoadLuaString runs script in a sandboxed Lua state and maps the table it
// returns to Settings.
func LoadLuaString(script string) (*Settings, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	// Only open safe libs for config parsing
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}
	// Remove dangerous functions
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("lua config execution: %w", err)
	}

	ret := L.Get(-1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("lua config must return a table, got %s", ret.Type().String())
	}
	return luaTableToRaw(tbl).toSettings()
}

func luaTableToRaw(tbl *lua.LTable) rawSettings {
	rs := rawSettings{
		TenantID:         getStringField(tbl, "tenant_id"),
		ClientID:         getStringField(tbl, "client_id"),
		Audience:         getStringField(tbl, "api_audience"),
		Authority:        getStringField(tbl, "authority"),
		TokenCacheTTLSec: int(getNumberField(tbl, "token_cache_ttl_sec")),
		MaxTokenAgeSec:   int(getNumberField(tbl, "max_token_age_sec")),
		FetchTimeoutSec:  int(getNumberField(tbl, "jwks_fetch_timeout_sec")),
		CacheBackend:     getStringField(tbl, "cache_backend"),
		JWKSHeaders:      getStringMapField(tbl, "jwks_headers"),
		ClaimsPolicy:     getStringField(tbl, "claims_policy"),
	}
	if srv := getTableField(tbl, "server"); srv != nil {
		rs.Server.Addr = getStringField(srv, "addr")
		rs.Server.CORSOrigins = getStringSliceField(srv, "cors_origins")
		rs.Server.Debug = getBoolField(srv, "debug")
		rs.Server.ShutdownTimeoutSec = int(getNumberField(srv, "shutdown_timeout_sec"))
	}
	if lg := getTableField(tbl, "log"); lg != nil {
		rs.Log.Level = getStringField(lg, "level")
		rs.Log.Format = getStringField(lg, "format")
	}
	return rs
}

// Lua table helper functions

func getStringField(tbl *lua.LTable, key string) string {
	v := tbl.RawGetString(key)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return ""
}

func getNumberField(tbl *lua.LTable, key string) float64 {
	v := tbl.RawGetString(key)
	if n, ok := v.(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

func getBoolField(tbl *lua.LTable, key string) bool {
	v := tbl.RawGetString(key)
	if b, ok := v.(lua.LBool); ok {
		return bool(b)
	}
	return false
}

func getTableField(tbl *lua.LTable, key string) *lua.LTable {
	v := tbl.RawGetString(key)
	if t, ok := v.(*lua.LTable); ok {
		return t
	}
	return nil
}

func getStringSliceField(tbl *lua.LTable, key string) []string {
	t := getTableField(tbl, key)
	if t == nil {
		return nil
	}
	var result []string
	t.ForEach(func(_ lua.LValue, val lua.LValue) {
		if s, ok := val.(lua.LString); ok {
			result = append(result, string(s))
		}
	})
	return result
}

func getStringMapField(tbl *lua.LTable, key string) map[string]string {
	t := getTableField(tbl, key)
	if t == nil {
		return nil
	}
	result := make(map[string]string)
	t.ForEach(func(k lua.LValue, val lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			if vs, ok := val.(lua.LString); ok {
				result[string(ks)] = string(vs)
			}
		}
	})
	if len(result) == 0 {
		return nil
	}
	return result
}
