package modcommon

import "crypto/rand"

// TenantId identifies one isolated tenant of the platform.
type TenantId string

func (t TenantId) String() string {
	return string(t)
}

func (t TenantId) IsValid() bool {
	return t != ""
}

const tenantCodeLen = 6

// NewTenantId generates a short random tenant code ("T" + 6 alphanumerics).
// Randomly generated codes can collide; callers must check uniqueness in the
// store before handing one out.
func NewTenantId() TenantId {
	c, err := shortCode(tenantCodeLen)
	if err != nil {
		return ""
	}
	return TenantId("T" + c)
}

// shortCode generates a random alphanumeric string of the given length.
func shortCode(length int) (string, error) {
	charSet := "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	charSetLen := len(charSet)

	randomBytes := make([]byte, length)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", err
	}

	for i := 0; i < length; i++ {
		index := int(randomBytes[i]) % charSetLen
		randomBytes[i] = charSet[index]
	}

	// Ensure the first character is a letter (not a number)
	if randomBytes[0] >= '0' && randomBytes[0] <= '9' {
		index := int(randomBytes[0]) % 26
		randomBytes[0] = charSet[index]
	}

	return string(randomBytes), nil
}
