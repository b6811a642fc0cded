package apperr

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Room errors
	CodeRoomNotFound      Code = "ROOM_NOT_FOUND"
	CodeRoomIDInvalid     Code = "ROOM_ID_INVALID"
	CodeRoomIDTaken       Code = "ROOM_ID_TAKEN"
	CodeRoomIDExhausted   Code = "ROOM_ID_EXHAUSTED"
	CodeRoomNotJoinable   Code = "ROOM_NOT_JOINABLE"
	CodeRoomExpired       Code = "ROOM_EXPIRED"
	CodeRoomFull          Code = "ROOM_FULL"
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// Participant errors
	CodeRoleFilled          Code = "ROLE_FILLED"
	CodeRoleVacant          Code = "ROLE_VACANT"
	CodeDeviceMismatch      Code = "DEVICE_MISMATCH"
	CodeParticipantNotFound Code = "PARTICIPANT_NOT_FOUND"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"

	// Credential errors
	CodeCredentialInvalid Code = "CREDENTIAL_INVALID"
	CodeCredentialScope   Code = "CREDENTIAL_SCOPE"

	// Key material errors
	CodeKeyNotFound  Code = "KEY_NOT_FOUND"
	CodeKeyIntegrity Code = "KEY_INTEGRITY"

	// Attachment errors
	CodeAttachmentNotFound    Code = "ATTACHMENT_NOT_FOUND"
	CodeAttachmentUnavailable Code = "ATTACHMENT_UNAVAILABLE"
	CodeAttachmentCompleted   Code = "ATTACHMENT_COMPLETED"
	CodeAttachmentTooLarge    Code = "ATTACHMENT_TOO_LARGE"
	CodeAttachmentType        Code = "ATTACHMENT_TYPE"

	// Infrastructure errors
	CodeUnavailable Code = "UNAVAILABLE"
)

// Kind groups codes into the failure classes callers branch on.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindStateViolation   Kind = "state_violation"
	KindAuthzFailure     Kind = "authz_failure"
	KindIntegrityFailure Kind = "integrity_failure"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindInvalidArgument  Kind = "invalid_argument"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
)

// Kind maps the code to its failure class.
func (c Code) Kind() Kind {
	switch c {
	case CodeRoomNotFound, CodeKeyNotFound, CodeAttachmentNotFound, CodeParticipantNotFound, CodeRoleVacant:
		return KindNotFound
	case CodeRoomIDTaken, CodeRoleFilled, CodeAttachmentCompleted:
		return KindConflict
	case CodeRoomNotJoinable, CodeRoomExpired, CodeInvalidTransition, CodeAttachmentUnavailable:
		return KindStateViolation
	case CodeDeviceMismatch, CodeCredentialInvalid, CodeCredentialScope:
		return KindAuthzFailure
	case CodeKeyIntegrity:
		return KindIntegrityFailure
	case CodeRoomFull:
		return KindCapacityExceeded
	case CodeRoomIDInvalid, CodeInvalidArgument, CodeAttachmentTooLarge, CodeAttachmentType:
		return KindInvalidArgument
	case CodeUnavailable, CodeRoomIDExhausted:
		return KindUnavailable
	default:
		return KindInternal
	}
}

// HTTPStatus maps the code to a response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeRoomExpired:
		return http.StatusGone
	case CodeAttachmentTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeAttachmentType:
		return http.StatusUnsupportedMediaType
	case CodeCredentialInvalid:
		return http.StatusUnauthorized
	}
	switch c.Kind() {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindCapacityExceeded:
		return http.StatusConflict
	case KindStateViolation:
		return http.StatusBadRequest
	case KindAuthzFailure:
		return http.StatusForbidden
	case KindIntegrityFailure:
		return http.StatusUnprocessableEntity
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
