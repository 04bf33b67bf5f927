package core

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kat-co/vala"
)

// CleanString trims all leading and trailing whitespace in `s` and optionally lowers it.
func CleanString(s string, lower ...bool) string {
	s = strings.TrimSpace(s)
	if len(lower) > 0 && lower[0] {
		return strings.ToLower(s)
	}
	return s
}

// NotNil is vala.IsNotNil for any dependency type: values that cannot be nil (struct
// implementations of an interface, for instance) pass instead of panicking.
func NotNil(obj interface{}, paramName string) vala.Checker {
	return func() (bool, string) {
		msg := fmt.Sprintf("Parameter was nil: %s", paramName)
		if obj == nil {
			return false, msg
		}
		v := reflect.ValueOf(obj)
		switch v.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
			return !v.IsNil(), msg
		}
		return true, msg
	}
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.New().String()
}

// NowMillis returns the current time as milliseconds since the epoch.
func NowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// Getwd tries to find the project root (the directory holding go.mod).
// go-test changes the working directory to the test package being run during tests,
// so walk up until we find it; fall back to the working directory.
func Getwd() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	currDir := wd
	for {
		if fi, err := os.Stat(filepath.Join(currDir, "go.mod")); err == nil && !fi.IsDir() {
			return currDir
		}
		newDir := filepath.Dir(currDir)
		if newDir == string(os.PathSeparator) || newDir == currDir {
			return wd
		}
		currDir = newDir
	}
}
