// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrEventNotFound = errors.New("event not found")
var ErrUnresolved = errors.New("recipient could not be resolved")
var ErrInvalidStatus = errors.New("invalid event status")
var ErrInvalidEventID = errors.New("invalid event id")
var ErrProgressNotFound = errors.New("progress record not found")
var ErrRunInProgress = errors.New("distribution run in progress")
