package models

import "time"

// timeNow is swapped in tests that exercise expiry behaviour.
var timeNow = time.Now
