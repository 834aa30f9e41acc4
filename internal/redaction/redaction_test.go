package redaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	e := NewEngine(true)
	out, matches := e.Redact("Contact safety.officer@example.com for the permit.")

	assert.Equal(t, "Contact [EMAIL-REDACTED] for the permit.", out)
	require.Len(t, matches, 1)
	assert.Equal(t, "email", matches[0].Type)
	assert.Equal(t, "safety.officer@example.com", matches[0].Original)
	assert.Equal(t, "[EMAIL-REDACTED]", matches[0].Redacted)
	assert.Equal(t, 8, matches[0].Start)
	assert.Equal(t, len("safety.officer@example.com"), matches[0].Length)
}

func TestRedactSSN(t *testing.T) {
	e := NewEngine(true)

	out, matches := e.Redact("Employee SSN 123-45-6789 on file.")
	assert.Equal(t, "Employee SSN [SSN-REDACTED] on file.", out)
	require.Len(t, matches, 1)
	assert.Equal(t, "ssn", matches[0].Type)
}

func TestRedactSkipsImpossibleSSNs(t *testing.T) {
	e := NewEngine(true)
	for _, text := range []string{
		"code 000-12-3456 is a reference",
		"code 666-12-3456 is a reference",
		"code 987-65-4321 is a reference",
		"code 123-00-4567 is a reference",
		"code 123-45-0000 is a reference",
	} {
		out, matches := e.Redact(text)
		assert.Equal(t, text, out, "text %q must survive", text)
		assert.Empty(t, matches)
	}
}

func TestRedactPhone(t *testing.T) {
	e := NewEngine(true)

	out, _ := e.Redact("Call (555) 123-4567 or 555-987-6543 to report hazards.")
	assert.Equal(t, "Call [PHONE-REDACTED] or [PHONE-REDACTED] to report hazards.", out)
}

func TestRedactCreditCard(t *testing.T) {
	e := NewEngine(true)

	out, matches := e.Redact("charged to 4111 1111 1111 1111 yesterday")
	assert.Equal(t, "charged to [CARD-REDACTED] yesterday", out)
	require.Len(t, matches, 1)
	assert.Equal(t, "credit_card", matches[0].Type)

	// Luhn failure is left alone.
	out, matches = e.Redact("serial 4111 1111 1111 1112 on the compressor")
	assert.Contains(t, out, "4111 1111 1111 1112")
	assert.Empty(t, matches)
}

func TestRedactPreservesPolicyReferences(t *testing.T) {
	e := NewEngine(true)
	text := "Per Policy 4.2 and Form WS-101, submit Section 12.3 reports within 48 hours."
	out, matches := e.Redact(text)
	assert.Equal(t, text, out)
	assert.Empty(t, matches)
}

func TestRedactMultipleTypes(t *testing.T) {
	e := NewEngine(true)
	out, matches := e.Redact("Email hr@corp.example, SSN 123-45-6789, phone 555-123-9876.")

	assert.Equal(t, "Email [EMAIL-REDACTED], SSN [SSN-REDACTED], phone [PHONE-REDACTED].", out)
	require.Len(t, matches, 3)
	// Matches arrive in document order with original offsets.
	assert.Equal(t, "email", matches[0].Type)
	assert.Equal(t, "ssn", matches[1].Type)
	assert.Equal(t, "phone", matches[2].Type)
	assert.Less(t, matches[0].Start, matches[1].Start)
	assert.Less(t, matches[1].Start, matches[2].Start)
}

func TestRedactIsIdempotent(t *testing.T) {
	e := NewEngine(true)
	once, _ := e.Redact("Reach me at ops@site.example or 555-123-4567.")
	twice, matches := e.Redact(once)

	assert.Equal(t, once, twice)
	assert.Empty(t, matches)
	assert.True(t, ContainsToken(once))
}

func TestRedactDisabledPassesThrough(t *testing.T) {
	e := NewEngine(false)
	text := "Email hr@corp.example and SSN 123-45-6789."
	out, matches := e.Redact(text)

	assert.Equal(t, text, out)
	assert.Nil(t, matches)
	assert.False(t, e.Enabled())
}

func TestAddRule(t *testing.T) {
	e := NewEngine(true)
	require.NoError(t, e.AddRule("employee_id", `\bEMP-\d{6}\b`, "[EMPLOYEE-ID-REDACTED]"))

	out, matches := e.Redact("Badge EMP-123456 reported the spill.")
	assert.Equal(t, "Badge [EMPLOYEE-ID-REDACTED] reported the spill.", out)
	require.Len(t, matches, 1)
	assert.Equal(t, "employee_id", matches[0].Type)
	assert.Equal(t, "EMP-123456", matches[0].Original)

	// Custom rules stay on their engine.
	fresh := NewEngine(true)
	out, _ = fresh.Redact("Badge EMP-123456 reported the spill.")
	assert.Contains(t, out, "EMP-123456")
}

func TestAddRuleRejectsBadPattern(t *testing.T) {
	e := NewEngine(true)
	require.Error(t, e.AddRule("broken", `(`, "[X]"))
	require.Error(t, e.AddRule("", `\d+`, "[X]"))
}

func TestTypesListsRules(t *testing.T) {
	assert.ElementsMatch(t, []string{"email", "ssn", "credit_card", "phone"}, Types())
}
