package assembler

import "errors"

// errUploadFailed marks a payload whose member file never reached durable
// storage.
var errUploadFailed = errors.New("payload member upload failed")
