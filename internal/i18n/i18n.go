// Package i18n serves localized client-facing messages from YAML catalogs.
package i18n

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Translator resolves localized strings using dot-separated keys.
type Translator interface {
	T(key string) string
	Lang() string
}

// Manager stores all available translations.
type Manager struct {
	translations map[string]map[string]string
	defaultLang  string
}

// LoadFromDir loads translations from a directory containing YAML files.
func LoadFromDir(dir, defaultLang string) (*Manager, error) {
	return LoadFS(os.DirFS(dir), defaultLang)
}

// LoadFS loads every YAML file at the root of fsys. Each file maps language
// codes to nested keys, e.g. en.errors.NOT_YOUR_TURN.
func LoadFS(fsys fs.FS, defaultLang string) (*Manager, error) {
	catalog, err := parseFS(fsys)
	if err != nil {
		return nil, err
	}

	if defaultLang == "" {
		defaultLang = "en"
	}
	if _, ok := catalog[defaultLang]; !ok {
		return nil, fmt.Errorf("i18n: default language %q is missing", defaultLang)
	}

	return &Manager{translations: catalog, defaultLang: defaultLang}, nil
}

// Translator returns a translator for the requested language, falling back to the default.
func (m *Manager) Translator(lang string) Translator {
	if m == nil {
		return translator{}
	}

	norm := normalize(lang)
	if m.translations[norm] == nil {
		norm = m.defaultLang
	}

	return translator{
		lang:         norm,
		fallback:     m.defaultLang,
		translations: m.translations,
	}
}

// Supports reports whether lang has a catalog.
func (m *Manager) Supports(lang string) bool {
	return m != nil && m.translations[normalize(lang)] != nil
}

// Negotiate picks the best supported language from an Accept-Language header,
// honouring q-values, and falls back to the default language.
func (m *Manager) Negotiate(header string) string {
	if m == nil {
		return ""
	}

	type candidate struct {
		lang string
		q    float64
	}
	var candidates []candidate
	for _, part := range strings.Split(header, ",") {
		tag, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if tag == "" || tag == "*" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil || parsed <= 0 {
				continue
			}
			q = parsed
		}
		candidates = append(candidates, candidate{lang: normalize(tag), q: q})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].q > candidates[j].q })
	for _, c := range candidates {
		if m.translations[c.lang] != nil {
			return c.lang
		}
	}
	return m.defaultLang
}

// ErrorMessage returns the localized text of an error code, or fallback when
// no catalog defines it.
func ErrorMessage(t Translator, code, fallback string) string {
	if t == nil || code == "" {
		return fallback
	}
	key := "errors." + code
	if msg := t.T(key); msg != key {
		return msg
	}
	return fallback
}

type translator struct {
	lang         string
	fallback     string
	translations map[string]map[string]string
}

func (t translator) Lang() string {
	return t.lang
}

// T returns the translation of key, or key itself when no language defines it.
func (t translator) T(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}

	for _, lang := range []string{t.lang, t.fallback} {
		if value, ok := t.translations[lang][key]; ok {
			return value
		}
	}

	return key
}

func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func parseFS(fsys fs.FS) (map[string]map[string]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("i18n: read catalogs: %w", err)
	}

	catalog := make(map[string]map[string]string)
	processed := false

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		processed = true

		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("i18n: read file %s: %w", entry.Name(), err)
		}

		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("i18n: parse file %s: %w", entry.Name(), err)
		}

		for lang, value := range raw {
			tree, ok := value.(map[string]any)
			if !ok {
				continue
			}
			lang = normalize(lang)
			if catalog[lang] == nil {
				catalog[lang] = make(map[string]string)
			}
			flatten("", tree, catalog[lang])
		}
	}

	if !processed {
		return nil, fmt.Errorf("i18n: no yaml files found")
	}

	return catalog, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for key, value := range in {
		if key == "" {
			continue
		}

		next := key
		if prefix != "" {
			next = prefix + "." + key
		}

		switch v := value.(type) {
		case string:
			out[next] = v
		case map[string]any:
			flatten(next, v, out)
		}
	}
}
