package schemavalidator

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

var (
	v    *validator.Validate
	once sync.Once
)

// V returns the shared validator instance with the catalog validations
// registered.
func V() *validator.Validate {
	once.Do(func() {
		v = validator.New()
	})
	return v
}

var validKinds = []string{
	modcommon.ModuleKind,
}

// kindValidator checks if the given kind is a valid resource kind.
func kindValidator(fl validator.FieldLevel) bool {
	kind := fl.Field().String()
	return slices.Contains(validKinds, kind)
}

const moduleNameRegex = `^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`
const moduleNameMaxLength = 63

// moduleNameValidator checks if the given name follows our convention.
func moduleNameValidator(fl validator.FieldLevel) bool {
	str := fl.Field().String()

	if len(str) > moduleNameMaxLength {
		return false
	}

	re := regexp.MustCompile(moduleNameRegex)
	return re.MatchString(str)
}

// moduleVersionValidator checks if the given version is a valid semantic
// version.
func moduleVersionValidator(fl validator.FieldLevel) bool {
	_, err := semver.StrictNewVersion(fl.Field().String())
	return err == nil
}

// versionRangeValidator checks if the given string is a parseable version
// range constraint, e.g. ">=1.2.0 <2.0.0" or "^1.4".
func versionRangeValidator(fl validator.FieldLevel) bool {
	_, err := semver.NewConstraint(fl.Field().String())
	return err == nil
}

func requireVersionV1(fl validator.FieldLevel) bool {
	version := fl.Field().String()
	return version == modcommon.VersionV1
}

func noSpacesValidator(fl validator.FieldLevel) bool {
	re := regexp.MustCompile(`^[^\s]+$`)
	return re.MatchString(fl.Field().String())
}

func ValidateModuleName(name string) bool {
	return V().Var(name, "moduleNameValidator") == nil
}

// GetJSONFieldPath maps a validator struct field name to its json tag so
// error messages refer to the wire names callers actually sent.
func GetJSONFieldPath(value reflect.Value, t reflect.Type, structField string) string {
	f, ok := t.FieldByName(structField)
	if !ok {
		return structField
	}
	tag := f.Tag.Get("json")
	if tag == "" {
		return structField
	}
	name := strings.Split(tag, ",")[0]
	if name == "" || name == "-" {
		return structField
	}
	return name
}

func init() {
	V().RegisterValidation("kindValidator", kindValidator)
	V().RegisterValidation("moduleNameValidator", moduleNameValidator)
	V().RegisterValidation("moduleVersionValidator", moduleVersionValidator)
	V().RegisterValidation("versionRangeValidator", versionRangeValidator)
	V().RegisterValidation("noSpaces", noSpacesValidator)
	V().RegisterValidation("requireVersionV1", requireVersionV1)
}
