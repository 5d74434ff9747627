package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "AppTitle")
	if got != "Adaptex" {
		t.Errorf("T(AppTitle) = %q, want 'Adaptex'", got)
	}

	got = T(ctx, "ErrUnknownSession")
	if got != "Session not found." {
		t.Errorf("T(ErrUnknownSession) = %q, want 'Session not found.'", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "AppTitle")
	if got != "Адаптекс" {
		t.Errorf("T(AppTitle) = %q, want 'Адаптекс'", got)
	}

	got = T(ctx, "ErrUnknownSession")
	if got != "Сессия не найдена." {
		t.Errorf("T(ErrUnknownSession) = %q, want 'Сессия не найдена.'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got1 := Tp(ctx, "QuestionsRemaining", 1)
	if got1 != "1 question remaining." {
		t.Errorf("Tp(QuestionsRemaining, 1) = %q, want '1 question remaining.'", got1)
	}

	got5 := Tp(ctx, "QuestionsRemaining", 5)
	if got5 != "5 questions remaining." {
		t.Errorf("Tp(QuestionsRemaining, 5) = %q, want '5 questions remaining.'", got5)
	}

	ctx = initLang(t, "ru")
	got5 = Tp(ctx, "QuestionsRemaining", 5)
	if got5 != "Осталось 5 вопросов." {
		t.Errorf("Tp(QuestionsRemaining, 5) = %q, want 'Осталось 5 вопросов.'", got5)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ErrUnknownBlueprint", map[string]any{"ID": "algebra-101"})
	if got != "Exam blueprint algebra-101 not found." {
		t.Errorf("Td(ErrUnknownBlueprint) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestNegotiate(t *testing.T) {
	initLang(t, "en")

	tests := []struct {
		prefs []string
		want  string
	}{
		{nil, "en"},
		{[]string{"ru-RU,ru;q=0.9,en;q=0.8"}, "ru"},
		{[]string{"fr"}, "en"},
		{[]string{"", "ru"}, "ru"},
		{[]string{"not a language!!"}, "en"},
	}
	for _, tt := range tests {
		if got := Negotiate(tt.prefs...).String(); got != tt.want {
			t.Errorf("Negotiate(%q) = %q, want %q", tt.prefs, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	initLang(t, "en")

	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ErrNotTerminal")
	}))

	req := httptest.NewRequest(http.MethodGet, "/?lang=ru", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "Результаты доступны после завершения сессии." {
		t.Errorf("lang=ru: got %q", got)
	}
	if cl := rec.Header().Get("Content-Language"); cl != "ru" {
		t.Errorf("Content-Language = %q, want ru", cl)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "de")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Results are available once the session has ended." {
		t.Errorf("fallback: got %q", got)
	}
}
