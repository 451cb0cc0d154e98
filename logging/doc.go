/*
Package logging implements the application log of reqcount.

The application log uses the logrus package:

https://github.com/sirupsen/logrus

To send messages to the application log, import logrus and use its
methods, or pass a Logger to the components that accept one:

	import log "github.com/sirupsen/logrus"

	func doSomething() {
	    log.Errorf("nothing to do")
	}

During startup initialization, it is possible to redirect the log output
from the default /dev/stderr to another writer, to set a common prefix
for each log entry, to set the level and to switch to JSON output.
*/
package logging
