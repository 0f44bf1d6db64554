package queue

import "testing"

func TestSchemaNameValid(t *testing.T) {
	if !SchemaName("partitioncache").Valid() {
		t.Error("Valid() = false for a legal identifier")
	}
	if SchemaName("9bad").Valid() {
		t.Error("Valid() = true for an identifier starting with a digit")
	}
}

func TestNullable(t *testing.T) {
	if nullable("") != nil {
		t.Error("nullable(\"\") should be nil")
	}
	if nullable("integer") != "integer" {
		t.Error("nullable(\"integer\") should pass through unchanged")
	}
}

func TestChannelName(t *testing.T) {
	if channelName(originalTable) != "pc_"+originalTable {
		t.Errorf("channelName() = %q", channelName(originalTable))
	}
}

func TestLengthsString(t *testing.T) {
	l := Lengths{Original: 2, Fragment: 5}
	if l.String() != "original=2 fragment=5" {
		t.Errorf("Lengths.String() = %q", l.String())
	}
}
