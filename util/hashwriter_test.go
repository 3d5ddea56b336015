package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestHashWriter(t *testing.T) {
	const input = "hello1 hello2 hello3 hello4 hello5abcdefghijklmnopqrstuvwxyz0123456789"
	const goalMD5 = "0101fc798d94a730b0f0bf1bd2cc1959"
	const goalSHA256 = "fef15edd82b33633582c723562d192fec2d2003df12d4aeac89df17c279a1658"

	var w = new(bytes.Buffer)
	hw := NewHashWriter(w)
	hw.Write([]byte(input))
	if h := hw.MD5Hex(); h != goalMD5 {
		t.Errorf("Got %s, expected %s", h, goalMD5)
	}
	if h := hw.SHA256Hex(); h != goalSHA256 {
		t.Errorf("Got %s, expected %s", h, goalSHA256)
	}
	if w.String() != input {
		t.Errorf("Got %s, expected %s", w.String(), input)
	}
}

func TestVerifyStream(t *testing.T) {
	const input = "hello1 hello2 hello3 hello4 hello5abcdefghijklmnopqrstuvwxyz0123456789"
	const goalMD5 = "0101fc798d94a730b0f0bf1bd2cc1959"
	const goalSHA256 = "fef15edd82b33633582c723562d192fec2d2003df12d4aeac89df17c279a1658"

	var table = []struct {
		md5, sha256 string
		ok          bool
	}{
		{goalMD5, goalSHA256, true},
		{goalMD5, "", true},
		{"", goalSHA256, true},
		{"", "", true},
		{goalMD5, "0000", false},
		{"0000", goalSHA256, false},
	}
	for _, test := range table {
		ok, err := VerifyStream(strings.NewReader(input), test.md5, test.sha256)
		if err != nil {
			t.Fatalf("Received error %s", err.Error())
		}
		if ok != test.ok {
			t.Errorf("For (%s, %s) got %v, expected %v",
				test.md5, test.sha256, ok, test.ok)
		}
	}
}
