package wire

// Decode parses a full wire message, header included, and returns the
// decoded body value along with its message type. Callers switch on the
// returned type to know how to assert the interface{}.
func Decode(data []byte) (msgType uint16, body any, err error) {
	size, msgType, err := DecodeHeader(data)
	if err != nil {
		return 0, nil, err
	}
	payload := data[HeaderSize:size]

	switch msgType {
	case TypePut:
		body, err = DecodePut(payload)
	case TypeGet:
		body, err = DecodeGet(payload)
	case TypeResult:
		body, err = DecodeResult(payload)
	case TypeDiscovery:
		body, err = DecodeDiscovery(payload)
	case TypeAskHello:
		body, err = DecodeAskHello(payload)
	case TypeTrailSetup:
		body, err = DecodeTrailSetup(payload)
	case TypeTrailSetupResult:
		body, err = DecodeTrailSetupResult(payload)
	case TypeTrailSetupRejection:
		body, err = DecodeTrailSetupRejection(payload)
	case TypeVerifySuccessor:
		body, err = DecodeVerifySuccessor(payload)
	case TypeVerifySuccessorResult:
		body, err = DecodeVerifySuccessorResult(payload)
	case TypeNotifyNewSuccessor:
		body, err = DecodeNotifyNewSuccessor(payload)
	case TypeNotifySuccessorConfirm:
		body, err = DecodeNotifySuccessorConfirmation(payload)
	case TypeTrailTeardown:
		body, err = DecodeTrailTeardown(payload)
	case TypeAddTrail:
		body, err = DecodeAddTrail(payload)
	default:
		return msgType, nil, ErrBadLength
	}
	if err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}
