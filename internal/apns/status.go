package apns

// Status is the status byte of an APNs error-response frame.
type Status uint8

const (
	StatusNoErrors           Status = 0
	StatusProcessingError    Status = 1
	StatusMissingDeviceToken Status = 2
	StatusMissingTopic       Status = 3
	StatusMissingPayload     Status = 4
	StatusInvalidTokenSize   Status = 5
	StatusInvalidTopicSize   Status = 6
	StatusInvalidPayloadSize Status = 7
	StatusInvalidToken       Status = 8
	StatusUnknown            Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusNoErrors:
		return "no errors encountered"
	case StatusProcessingError:
		return "processing error"
	case StatusMissingDeviceToken:
		return "missing device token"
	case StatusMissingTopic:
		return "missing topic"
	case StatusMissingPayload:
		return "missing payload"
	case StatusInvalidTokenSize:
		return "invalid token size"
	case StatusInvalidTopicSize:
		return "invalid topic size"
	case StatusInvalidPayloadSize:
		return "invalid payload size"
	case StatusInvalidToken:
		return "invalid token"
	case StatusUnknown:
		return "none (unknown)"
	default:
		return "undocumented error status code"
	}
}
