// Copyright 2024 The goffload Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package offload

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// FatalError reports a mapping contract violation: a present-clause miss, an
// overlap that is not containment, an image table mismatch, or a kind the
// engine cannot classify. The runtime raises it via panic after releasing
// every lock it holds; callers that do not recover terminate, which is the
// intended behavior for compiler-generated call sites.
type FatalError struct {
	reason string
}

// Error implements error.Error.
func (e *FatalError) Error() string {
	return e.reason
}

// fatalf logs and raises a FatalError. Callers must have released every lock
// they hold.
func fatalf(log *logrus.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	panic(&FatalError{reason: msg})
}
