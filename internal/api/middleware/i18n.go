package middleware

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"privacycam-go/config"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

// Translator resolves user-visible status and error messages. Detection
// decisions stay language-neutral enums on the wire; only the texts shown to
// the person in front of the camera are localized.
type Translator struct {
	bundle       *i18n.Bundle
	defaultLang  string
	translations map[string]map[string]string
}

// NewTranslator loads all locale files from the locales directory.
func NewTranslator(cfg config.I18nConfig) (*Translator, error) {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if cfg.LocalesDir == "" {
		cfg.LocalesDir = "./web/locales"
	}

	bundle := i18n.NewBundle(language.MustParse(cfg.DefaultLanguage))
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	t := &Translator{
		bundle:       bundle,
		defaultLang:  cfg.DefaultLanguage,
		translations: make(map[string]map[string]string),
	}

	entries, err := os.ReadDir(cfg.LocalesDir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		langCode := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		filePath := filepath.Join(cfg.LocalesDir, entry.Name())

		if _, err := bundle.LoadMessageFile(filePath); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		var nested map[string]interface{}
		if err := json.Unmarshal(data, &nested); err != nil {
			return nil, err
		}
		t.translations[langCode] = flattenMap(nested, "")
	}

	return t, nil
}

// Languages returns the loaded language codes.
func (t *Translator) Languages() []string {
	langs := make([]string, 0, len(t.translations))
	for code := range t.translations {
		langs = append(langs, code)
	}
	return langs
}

// Translate resolves a dotted key for a language, falling back to the default
// language and finally to the key itself.
func (t *Translator) Translate(lang, key string) string {
	if msgs, ok := t.translations[lang]; ok {
		if val, ok := msgs[key]; ok {
			return val
		}
	}
	if msgs, ok := t.translations[t.defaultLang]; ok {
		if val, ok := msgs[key]; ok {
			return val
		}
	}
	return key
}

func (t *Translator) supported(lang string) bool {
	_, ok := t.translations[lang]
	return ok
}

// I18n resolves the request language from query parameter or session and puts
// a translate function into the context.
func I18n(cfg config.I18nConfig) gin.HandlerFunc {
	translator, err := NewTranslator(cfg)
	if err != nil {
		log.WithError(err).Warn("Failed to load locales, user-visible messages fall back to keys")
		return func(c *gin.Context) {
			c.Set("language", cfg.DefaultLanguage)
			c.Set("t", func(key string) string { return key })
			c.Next()
		}
	}

	return func(c *gin.Context) {
		session := sessions.Default(c)
		lang := c.Query("lang")

		if lang != "" && translator.supported(lang) {
			session.Set("language", lang)
			if err := session.Save(); err != nil {
				log.WithError(err).Debug("Failed to persist language preference")
			}
		} else if stored, ok := session.Get("language").(string); ok {
			lang = stored
		}

		if !translator.supported(lang) {
			lang = cfg.DefaultLanguage
		}

		c.Set("language", lang)
		c.Set("translator", translator)
		c.Set("t", func(key string) string {
			return translator.Translate(lang, key)
		})

		c.Next()
	}
}

// Tr fetches the translate function from the context; handlers use it for
// every user-visible message.
func Tr(c *gin.Context) func(string) string {
	if fn, ok := c.Get("t"); ok {
		if t, ok := fn.(func(string) string); ok {
			return t
		}
	}
	return func(key string) string { return key }
}

// flattenMap turns nested locale objects into dotted keys ("enroll.no_face").
func flattenMap(input map[string]interface{}, prefix string) map[string]string {
	result := make(map[string]string)
	for k, v := range input {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]interface{}:
			for ck, cv := range flattenMap(child, key) {
				result[ck] = cv
			}
		case string:
			result[key] = child
		}
	}
	return result
}
