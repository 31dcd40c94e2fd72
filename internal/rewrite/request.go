package rewrite

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/kalambet/tutorai/internal/cache"
	"github.com/kalambet/tutorai/internal/prompt"
	"github.com/kalambet/tutorai/internal/registry"
)

// Request is one rewrite job. It is treated as immutable.
type Request struct {
	Question     string `json:"question" validate:"notblank,max=20000"`
	Answer       string `json:"answer" validate:"notblank,max=20000"`
	Subject      string `json:"subject" validate:"max=100"`
	QuestionType string `json:"question_type" validate:"max=100"`
	GradeLevel   string `json:"grade_level" validate:"max=100"`
	Style        string `json:"style" validate:"required,oneof=guided detailed simplified interactive"`
	// CallbackURL, when set, receives the accepted result.
	CallbackURL string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r Request) input() prompt.Input {
	return prompt.Input{
		Question:     r.Question,
		Answer:       r.Answer,
		Subject:      r.Subject,
		QuestionType: r.QuestionType,
		GradeLevel:   r.GradeLevel,
		Style:        prompt.Style(r.Style),
	}
}

// Fingerprint is the cache key for r.
func (r Request) Fingerprint() string {
	return cache.Fingerprint(cache.Fields{
		Question:     r.Question,
		Answer:       r.Answer,
		Subject:      r.Subject,
		QuestionType: r.QuestionType,
		GradeLevel:   r.GradeLevel,
		Style:        r.Style,
	})
}

// Result is an accepted rewrite.
type Result struct {
	ID            string        `json:"id,omitempty"`
	Fingerprint   string        `json:"fingerprint"`
	Text          string        `json:"text"`
	Model         string        `json:"model"`
	Tier          registry.Tier `json:"-"`
	TierName      string        `json:"tier"`
	QualityScore  *float64      `json:"quality_score"`
	LowConfidence bool          `json:"low_confidence"`
	CacheHit      bool          `json:"cache_hit"`
	Attempts      int           `json:"attempts"`
	Cost          float64       `json:"cost"`
	Elapsed       time.Duration `json:"-"`
	ElapsedMs     int64         `json:"elapsed_ms"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (r *Result) finalize(elapsed time.Duration) {
	r.Elapsed = elapsed
	r.ElapsedMs = elapsed.Milliseconds()
	r.TierName = r.Tier.String()
}

var (
	validate   *validator.Validate
	translator ut.Translator

	notBlankTag = "notblank"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Report JSON field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		if s, ok := fl.Field().Interface().(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return false
	})
	_ = validate.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string { return "this field cannot be blank" },
	)
}

// Validate checks r and returns an *InvalidRequestError on failure.
func (r Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) {
		return &InvalidRequestError{Fields: map[string]string{"request": err.Error()}}
	}
	fields := make(map[string]string, len(vErrs))
	for _, fe := range vErrs {
		fields[fe.Field()] = fe.Translate(translator)
	}
	return &InvalidRequestError{Fields: fields}
}
