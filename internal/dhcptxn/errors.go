// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcptxn

import "grimm.is/odrelayd/internal/errors"

var (
	errExhaustedRetries = errors.New(errors.KindTransient, "no response after maximum retries")
	errNack             = errors.New(errors.KindProtocol, "server sent NAK")
	errMissingLeaseTime = errors.New(errors.KindProtocol, "ack lacks an ip address lease time option")
)
