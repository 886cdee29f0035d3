// Copyright 2024 The corefs Authors.
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

package cfg

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// decodeHook upper-cases and validates a LogSeverity string on its way
// from a flag/config-file value into the typed Config field.
func decodeHook() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(LogSeverity("")) {
			return data, nil
		}
		s := strings.ToUpper(data.(string))
		valid := []string{string(SeverityDebug), string(SeverityInfo), string(SeverityWarn), string(SeverityError)}
		if !slices.Contains(valid, s) {
			return nil, fmt.Errorf("cfg: invalid logging.severity %q, want one of %v", data, valid)
		}
		return LogSeverity(s), nil
	}
}

// DecoderOption returns the mapstructure decode hook viper should use when
// unmarshaling into a Config.
func DecoderOption(dc *mapstructure.DecoderConfig) {
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		decodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}
