/*
Package logging implements application log instrumentation and the
gateway access log.

The application log uses the logrus package:

https://github.com/sirupsen/logrus

To send messages to the application log, import logrus and use its
methods. During startup initialization, it is possible to redirect the
log output from the default /dev/stderr to another file, and to set a
common prefix for each entry. Setting the prefix may be a good idea
when the access log shares the same output as the application log, to
make it easier to split the two for diagnostics.

The access log prints one entry per processed request in the Apache
combined log format, extended with the request duration in
milliseconds and the matched operation. The pipeline handler provides
access logging automatically; use Access directly only when serving
responses outside the pipeline.
*/
package logging
