package native

import (
	"fmt"
	"strings"
)

// Code is a native result code. CodeOK is the only success value.
type Code int

const (
	CodeOK                   Code = 0
	CodeFail                 Code = 1
	CodeOutOfMemory          Code = 2
	CodeInvalidArg           Code = 3
	CodeNotFound             Code = 4
	CodeObjectIsBusy         Code = 5
	CodeNotSupported         Code = 6
	CodeFileAlreadyExists    Code = 12
	CodeTimeout              Code = 28
	CodeInvalidHandle        Code = 1000
	CodeNotSupportedOnHandle Code = 1001
	CodeVMNotFound           Code = 3003
	CodeVMNotRunning         Code = 3006
	CodeToolsNotRunning      Code = 3016
	CodeGuestOperationFailed Code = 3017
	CodeNotLoggedIn          Code = 3018
	CodeLoginFailed          Code = 3019
	CodeNoSuchProcess        Code = 3024
	CodeUnrecognizedProperty Code = 6000
	CodeSnapshotNotFound     Code = 13004
	CodeSnapshotInvalid      Code = 13001
	CodeNotADirectory        Code = 20001
	CodeNotAFile             Code = 20002
	CodeDirectoryNotEmpty    Code = 20004
)

// DefaultLocale is used when a caller does not ask for a specific one.
const DefaultLocale = "en"

var messages = map[string]map[Code]string{
	"en": {
		CodeOK:                   "The operation was successful",
		CodeFail:                 "Unknown error",
		CodeOutOfMemory:          "Memory allocation failed: out of memory",
		CodeInvalidArg:           "One of the parameters was invalid",
		CodeNotFound:             "A file was not found",
		CodeObjectIsBusy:         "This object is busy",
		CodeNotSupported:         "The operation is not supported",
		CodeFileAlreadyExists:    "The file already exists",
		CodeTimeout:              "The operation timed out",
		CodeInvalidHandle:        "The handle is not a valid object",
		CodeNotSupportedOnHandle: "The operation is not supported on this type of handle",
		CodeVMNotFound:           "The virtual machine cannot be found",
		CodeVMNotRunning:         "The virtual machine needs to be powered on",
		CodeToolsNotRunning:      "The guest agent is not running in the virtual machine",
		CodeGuestOperationFailed: "The guest operation failed",
		CodeNotLoggedIn:          "A guest operation was attempted without logging in",
		CodeLoginFailed:          "Invalid user name or password for the guest OS",
		CodeNoSuchProcess:        "No such process in the guest",
		CodeUnrecognizedProperty: "Unrecognized property",
		CodeSnapshotNotFound:     "A snapshot with the specified name was not found",
		CodeSnapshotInvalid:      "The snapshot is invalid",
		CodeNotADirectory:        "The path is not a directory",
		CodeNotAFile:             "The path is not a file",
		CodeDirectoryNotEmpty:    "The directory is not empty",
	},
	"de": {
		CodeOK:                   "Der Vorgang war erfolgreich",
		CodeFail:                 "Unbekannter Fehler",
		CodeInvalidArg:           "Einer der Parameter war ungültig",
		CodeNotFound:             "Eine Datei wurde nicht gefunden",
		CodeTimeout:              "Zeitüberschreitung bei dem Vorgang",
		CodeVMNotRunning:         "Die virtuelle Maschine muss eingeschaltet sein",
		CodeToolsNotRunning:      "Der Gast-Agent läuft nicht in der virtuellen Maschine",
		CodeNotLoggedIn:          "Gastvorgang ohne Anmeldung versucht",
		CodeSnapshotNotFound:     "Es wurde kein Snapshot mit dem angegebenen Namen gefunden",
		CodeUnrecognizedProperty: "Unbekannte Eigenschaft",
	},
}

// Message resolves code in locale, falling back to DefaultLocale and finally
// to a generic description. Locales match on their language prefix, so
// "de_DE.UTF-8" resolves through "de".
func Message(code Code, locale string) string {
	for _, candidate := range []string{normalizeLocale(locale), DefaultLocale} {
		if table, ok := messages[candidate]; ok {
			if msg, ok := table[code]; ok {
				return msg
			}
		}
	}
	return fmt.Sprintf("Unknown error code %d", int(code))
}

func normalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "_-."); i >= 0 {
		locale = locale[:i]
	}
	return locale
}

func (c Code) String() string {
	return fmt.Sprintf("%d (%s)", int(c), Message(c, DefaultLocale))
}
