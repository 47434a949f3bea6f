package i18n

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogsAreComplete(t *testing.T) {
	for name, catalog := range map[string]Messages{"en": messagesEN, "zh": messagesZH} {
		v := reflect.ValueOf(catalog)
		for i := 0; i < v.NumField(); i++ {
			assert.NotEmpty(t, v.Field(i).String(), "%s.%s", name, v.Type().Field(i).Name)
		}
	}
}

func TestSetLanguage(t *testing.T) {
	t.Cleanup(func() { SetLanguage(LangEN) })

	SetLanguage(LangZH)
	assert.Equal(t, LangZH, GetLanguage())
	assert.Equal(t, messagesZH.Starting, Get("Starting"))

	SetLanguage("fr")
	assert.Equal(t, LangEN, GetLanguage())
	assert.Equal(t, messagesEN.Starting, Get("Starting"))
	assert.Equal(t, "NoSuchKey", Get("NoSuchKey"))
}
